package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gosuda/tether/internal/daemon"
)

var (
	runProject  string //nolint:gochecknoglobals // cobra flag
	runToolKind string //nolint:gochecknoglobals // cobra flag
)

func init() {
	runCmd.Flags().StringVar(&runProject, "project", "", "working directory for the agent (default: current directory)")
	runCmd.Flags().StringVar(&runToolKind, "tool", "", "kind of coding agent (default: command name)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{ //nolint:gochecknoglobals // cobra command
	Use:   "run -- <command> [args...]",
	Short: "Ask the running daemon to spawn an agent session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := spawnRequest(args, runProject, runToolKind)
		if err != nil {
			return err
		}

		info, err := controlClient().Spawn(cmd.Context(), req)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "session %s started (pid %d)\n", info.SessionID, info.PID)
		return nil
	},
}

func spawnRequest(args []string, project, toolKind string) (daemon.SpawnRequest, error) {
	if project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return daemon.SpawnRequest{}, fmt.Errorf("resolve working directory: %w", err)
		}
		project = wd
	}
	abs, err := filepath.Abs(project)
	if err != nil {
		return daemon.SpawnRequest{}, fmt.Errorf("resolve project path: %w", err)
	}
	if toolKind == "" {
		toolKind = filepath.Base(args[0])
	}

	return daemon.SpawnRequest{
		Command:     args[0],
		Args:        args[1:],
		ProjectPath: abs,
		ToolKind:    toolKind,
	}, nil
}
