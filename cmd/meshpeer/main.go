package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meshpeer",
	Short: "Headless participant for mesh calls",
	Long: `meshpeer joins a mesh call room through a signaling hub and keeps a
direct WebRTC connection to every other member. It sends synthetic audio
and video, which makes it useful for load tests and for checking a hub.`,
}

var (
	flagServer   string
	flagLogLevel string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "", "hub websocket URL (default from MESH_SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (default from LOG_LEVEL)")
	rootCmd.AddCommand(joinCmd, roomsCmd)
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}
