package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eliasbenb/plexanibridge/internal/version"
)

var (
	configPath string
	listenAddr string
)

var rootCmd = &cobra.Command{
	Use:   "anibridged",
	Short: "Sync AniList anime lists with Plex viewing state",
	Long: `anibridged - AniList/Plex list synchronization daemon

Watches one or more Plex users and mirrors their viewing state
(progress, status, scores, watchlist) onto their AniList lists.

Running anibridged with no subcommand starts the daemon.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(configPath, listenAddr)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("anibridged %s\n", version.String())
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to config file")
	rootCmd.Flags().StringVar(&listenAddr, "listen", ":4848", "Webhook listen address (empty disables)")

	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("anibridged {{.Version}}\n")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(undoCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(mappingsCmd)
}
