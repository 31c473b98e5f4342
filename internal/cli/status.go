package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/gosuda/tether/internal/daemon"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
}

var statusCmd = &cobra.Command{ //nolint:gochecknoglobals // cobra command
	Use:   "status",
	Short: "Show the running daemon's connection and sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := controlClient().Status(cmd.Context())
		if errors.Is(err, daemon.ErrDaemonNotRunning) {
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running.")
			return nil
		}
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

var stopCmd = &cobra.Command{ //nolint:gochecknoglobals // cobra command
	Use:   "stop",
	Short: "Stop the running daemon and every session it owns",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		err := controlClient().Stop(cmd.Context())
		if errors.Is(err, daemon.ErrDaemonNotRunning) {
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopping.")
		return nil
	},
}

func printStatus(w io.Writer, st daemon.Status) {
	fmt.Fprintf(w, "pid:        %d\n", st.PID)
	fmt.Fprintf(w, "connection: %s\n", st.State)
	if st.LastEndpoint != "" {
		fmt.Fprintf(w, "endpoint:   %s\n", st.LastEndpoint)
	}
	if st.ReconnectAttempts > 0 {
		fmt.Fprintf(w, "retries:    %d\n", st.ReconnectAttempts)
	}

	if len(st.Sessions) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}

	fmt.Fprintf(w, "\n%-36s %-8s %-8s %-10s %s\n", "SESSION", "PID", "DEVICE", "TOOL", "PROJECT")
	for _, s := range st.Sessions {
		fmt.Fprintf(w, "%-36s %-8d %-8s %-10s %s\n",
			s.SessionID,
			s.PID,
			s.Device,
			truncate(s.ToolKind, 10),
			s.ProjectPath,
		)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
