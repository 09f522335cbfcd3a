package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealchat/internal/domain"
)

// send <peer> <message>: encrypt and send a message to <peer>.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(cmd); err != nil {
				return err
			}
			if err := appCtx.Send(cmd.Context(), domain.Identity(args[0]), args[1]); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
}

// room-send <room> <message>: encrypt once for every member of <room>.
func roomSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "room-send <room> <message>",
		Short: "Encrypt and send a message to every member of a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(cmd); err != nil {
				return err
			}
			if err := appCtx.SendRoom(cmd.Context(), domain.RoomID(args[0]), args[1]); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
}
