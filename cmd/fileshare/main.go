// fileshare is a peer-to-peer file sharing tool: a metadata index that
// tracks which peers advertise which files, and peers that serve and
// download chunks from each other.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Set at build time via -ldflags
	version = "dev"

	cfgFile  string
	logLevel string
	logFile  string
	dataDir  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fileshare",
		Short: "Peer-to-peer file sharing",
		Long: `fileshare is a peer-to-peer file sharing system: a metadata index
tracks which peers advertise which files, and peers download files in
parallel from whichever origins currently advertise them.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "log file path (default: stderr)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory")

	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(peerCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
