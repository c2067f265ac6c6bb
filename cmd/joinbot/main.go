package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Set via ldflags.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "joinbot",
	Short: "Game-server join relay and event reminder bot",
	Long: `joinbot relays "join me" requests from game servers into a Telegram group
and reminds the group about upcoming events.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("joinbot version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	serveCmd.Flags().StringP("config", "c", "./config.json", "path to config (json or yaml)")
	eventsCmd.Flags().StringP("config", "c", "./config.json", "path to config (json or yaml)")
	tokensCmd.Flags().StringP("file", "f", "./tokens.txt", "path to token file")

	rootCmd.AddCommand(serveCmd, eventsCmd, tokensCmd)
}
