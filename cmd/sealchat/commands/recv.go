package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// recv: fetch and decrypt queued messages.
func recvCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Fetch and decrypt your queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(cmd); err != nil {
				return err
			}
			msgs, err := appCtx.Receive(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				from := m.From.String()
				if m.Room != "" {
					from = fmt.Sprintf("%s@%s", m.From, m.Room)
				}
				if !m.Encrypted {
					from += " (unencrypted)"
				}
				if m.File != nil {
					fmt.Printf("[%s] file %s (%d bytes), fetch with: sealchat fetch-file %s\n",
						from, m.File.Name, m.File.Size, m.File.FileID)
					continue
				}
				fmt.Printf("[%s] %s\n", from, string(m.Plaintext))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum messages to fetch (0 for all)")
	return cmd
}
