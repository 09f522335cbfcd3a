package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Publish your public key to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			fp, err := appCtx.Register(cmd.Context(), passphrase)
			if err != nil {
				return err
			}
			fmt.Printf("Published key for %s (%s)\n", appCtx.Self, fp)
			return nil
		},
	}
}
