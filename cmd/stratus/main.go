package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverFlag string

var rootCmd = &cobra.Command{
	Use:   "stratus",
	Short: "Stratus - minimal serverless WebAssembly platform",
	Long: `Stratus registers named WebAssembly modules and executes them on demand
with positional numeric parameters, on a bounded pool of sandboxed workers.

Run a server with "stratus serve", then register and invoke modules with the
other subcommands or the HTTP API.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "http://localhost:8080", "Base URL of a running stratus server")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
