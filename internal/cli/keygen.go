package cli

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gosuda/tether/internal/sealbox"
)

func init() {
	rootCmd.AddCommand(keygenCmd)
}

var keygenCmd = &cobra.Command{ //nolint:gochecknoglobals // cobra command
	Use:   "keygen",
	Short: "Generate a relay key for TETHER_SECRET_KEY",
	Long:  "Prints a fresh base64 encoded 32-byte key. Share it with your remote clients; register it with the hub (PUT /api/v1/keys/relay) to enable approval notifications.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := sealbox.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
		return nil
	},
}
