package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information - will be set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "marrow",
		Short: "Marrow embedded object database tooling",
		Long: `Marrow is an embedded object database: typed objects with inheritance,
indexed and unique fields, reference paths, and deferred validation over an
ordered key-value store.

These commands inspect a marrow database directory on disk.`,
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newInfoCommand())
	rootCmd.AddCommand(newDumpCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
