// Command pairloop is a random-pairing video chat signaling server. It
// matches connected peers into two-party rooms over WebSocket and relays
// WebRTC signaling (SDP offers/answers, ICE candidates) between them; the
// media itself flows peer to peer.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

// rootCmd is the top-level command.
var rootCmd = &cobra.Command{
	Use:   "pairloop",
	Short: "Random-pairing video chat signaling server",
	Long: `pairloop pairs connected strangers into two-party video chat rooms.
Peers connect over WebSocket, wait in a first-come-first-served queue,
and get matched as soon as a partner is available. The server relays
WebRTC signaling; audio and video flow directly between browsers.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: env/defaults only)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the pairloop version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
