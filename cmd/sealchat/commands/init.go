package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var relayURL string
	cmd := &cobra.Command{
		Use:   "init <identity>",
		Short: "Create the configuration and key pair, then publish the public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			path, err := options().WriteConfig(args[0], relayURL)
			if err != nil {
				return err
			}
			if err := wire(); err != nil {
				return err
			}
			if appCtx.Self.String() != args[0] {
				return fmt.Errorf("%s is configured for %s", path, appCtx.Self)
			}

			fp, err := appCtx.Init(cmd.Context(), passphrase)
			if err != nil {
				return err
			}
			fmt.Printf("Identity %s created.\nConfig: %s\nFingerprint: %s\n", appCtx.Self, path, fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "http://127.0.0.1:8080", "relay base URL")
	return cmd
}
