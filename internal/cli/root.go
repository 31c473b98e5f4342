// Package cli implements the tether command line: the daemon itself and the
// thin client commands that talk to a running daemon over its control
// surface.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gosuda/tether/internal/daemon"
)

var controlAddr string //nolint:gochecknoglobals // cobra flag

var rootCmd = &cobra.Command{ //nolint:gochecknoglobals // cobra root
	Use:           "tether",
	Short:         "Relay a local coding agent to remote clients",
	Long:          "Runs coding agents under an output interceptor and relays their sessions, end-to-end encrypted, through a tether hub.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	def := os.Getenv("TETHER_CONTROL_ADDR")
	if def == "" {
		def = daemon.DefaultControlAddr
	}
	rootCmd.PersistentFlags().StringVar(&controlAddr, "control-addr", def, "address of the daemon's local control server")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func controlClient() *daemon.ControlClient {
	return daemon.NewControlClient(controlAddr, nil)
}
