package main

import (
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sockbot",
	Short: "sockbot - Socket Mode bot runner built on sockframe",
	Long: `sockbot runs a Slack Socket Mode bot on top of the sockframe runtime:
a supervised WebSocket connection with automatic acknowledgement, envelope
deduplication, a rate-limited Web API client, and a background workspace
cache.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
