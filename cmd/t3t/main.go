package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// Load .env for local development; absence is fine.
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "Loaded environment from .env")
	}

	root := &cobra.Command{
		Use:   "t3t",
		Short: "LAN bridge between a screen-capture/OCR workstation and mobile clients",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newWorkerCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
