// Package discovery advertises the relay on the LAN via multicast DNS so
// mobile clients can find it without configuration.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// DefaultServiceType is the mDNS service type advertised when the caller
// does not supply one.
const DefaultServiceType = "_http._tcp"

// serviceLabel is kept short to fit mDNS instance-name limits.
const serviceLabel = "t3t-io"

// Advertiser publishes one mDNS service record for the lifetime of the
// relay. Registration failures are never fatal; only discovery is lost.
type Advertiser struct {
	serviceType string

	mu         sync.Mutex
	server     *zeroconf.Server
	registered bool
}

// New builds an Advertiser. An empty serviceType selects the default.
func New(serviceType string) *Advertiser {
	if serviceType == "" {
		serviceType = DefaultServiceType
	}
	// zeroconf wants the bare type without the trailing domain.
	serviceType = strings.TrimSuffix(serviceType, ".local.")
	return &Advertiser{serviceType: serviceType}
}

// Start registers the service record. A second Start while registered is a
// no-op. The blocking library call runs on the caller's goroutine; callers
// start it in the background after the listen socket is bound.
func (a *Advertiser) Start(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.registered {
		return nil
	}

	ip, err := LocalIP()
	if err != nil {
		return fmt.Errorf("determining local address: %w", err)
	}

	instance := InstanceName()
	slog.Info("Registering mDNS service", "instance", instance, "type", a.serviceType, "addr", ip, "port", port)

	server, err := zeroconf.RegisterProxy(
		instance,
		a.serviceType,
		"local.",
		port,
		hostLabel(),
		[]string{ip},
		nil, // empty TXT
		nil, // all multicast-capable interfaces
	)
	if err != nil {
		return fmt.Errorf("registering mdns service: %w", err)
	}

	a.server = server
	a.registered = true
	slog.Info("mDNS service registered")
	return nil
}

// Stop withdraws the record. The zeroconf shutdown is quick but synchronous,
// so it is bounded by the context; the server exits regardless.
func (a *Advertiser) Stop(ctx context.Context) {
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.registered = false
	a.mu.Unlock()

	if server == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Shutdown()
	}()

	select {
	case <-done:
		slog.Info("mDNS service unregistered")
	case <-ctx.Done():
		slog.Warn("mDNS unregistration timed out", "error", ctx.Err())
	}
}

// InstanceName is the advertised instance label: the short service label
// plus the local host name.
func InstanceName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		hostname = hostname[:i]
	}
	return fmt.Sprintf("%s (%s)", serviceLabel, hostname)
}

func hostLabel() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "t3t"
	}
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		hostname = hostname[:i]
	}
	return hostname
}

// LocalIP returns the first non-loopback IPv4 the host would use for an
// outbound packet. The UDP "connection" selects the default route's source
// address; nothing is ever sent.
func LocalIP() (string, error) {
	conn, err := net.DialTimeout("udp", "8.8.8.8:1", 2*time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsLoopback() {
		return "", fmt.Errorf("no usable local address")
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return "", fmt.Errorf("no IPv4 address on default route")
	}
	return ip4.String(), nil
}
