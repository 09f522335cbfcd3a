package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sealchat/internal/app"
	"sealchat/internal/domain"
	"sealchat/internal/services/transfer"
)

func sendFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-file <peer> <path>",
		Short: "Send a file directly, falling back to the encrypted relay",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(cmd); err != nil {
				return err
			}
			d, err := appCtx.SendFile(cmd.Context(), domain.Identity(args[0]), args[1], progressPrinter("sending"))
			if err != nil {
				return err
			}
			printDelivery(d)
			return nil
		},
	}
}

func roomSendFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "room-send-file <room> <path>",
		Short: "Upload a file for every member of a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(cmd); err != nil {
				return err
			}
			d, err := appCtx.SendRoomFile(cmd.Context(), domain.RoomID(args[0]), args[1], progressPrinter("uploading"))
			if err != nil {
				return err
			}
			printDelivery(d)
			return nil
		},
	}
}

func printDelivery(d transfer.Delivery) {
	switch d.Route {
	case transfer.RouteDirect:
		fmt.Printf("sent %s directly (%d bytes)\n", d.Record.Meta.Name, d.Record.SentBytes)
	case transfer.RouteRelay:
		if d.DirectErr != nil {
			fmt.Printf("direct transfer failed: %v\n", d.DirectErr)
		}
		fmt.Printf("uploaded %s via relay as %s\n", d.Record.Meta.Name, d.FileID)
	}
}

func fetchFileCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "fetch-file <file-id>",
		Short: "Download and decrypt a relay-delivered file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(cmd); err != nil {
				return err
			}
			path, err := appCtx.FetchFile(cmd.Context(), domain.FileID(args[0]), out)
			if errors.Is(err, domain.ErrIntegrityMismatch) {
				fmt.Fprintf(os.Stderr, "warning: %s does not match its announced digest\n", path)
				err = nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("saved %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", ".", "directory to save into")
	return cmd
}

func listenCmd() *cobra.Command {
	var (
		out     string
		decline bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Receive direct file transfers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(cmd); err != nil {
				return err
			}
			if appCtx.Transfers == nil {
				return errors.New("direct transfers are disabled in the configuration")
			}
			if err := os.MkdirAll(out, 0o700); err != nil {
				return err
			}
			fmt.Printf("listening as %s, saving to %s\n", appCtx.Self, out)
			return appCtx.Listen(cmd.Context(), out, listenHandlers(decline))
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", ".", "directory to save into")
	cmd.Flags().BoolVar(&decline, "decline", false, "decline every offer")
	return cmd
}

func listenHandlers(decline bool) app.Offers {
	return app.Offers{
		Decide: func(o *transfer.Offer) bool {
			fmt.Printf("offer %s from %s: %s (%d bytes, %s)\n", o.ID, o.From, o.Meta.Name, o.Meta.Size, o.Meta.MimeType)
			return !decline
		},
		Done: func(o *transfer.Offer, path string, res transfer.Result, err error) {
			switch {
			case errors.Is(err, domain.ErrNegotiationDeclined):
				fmt.Printf("offer %s declined\n", o.ID)
			case errors.Is(err, domain.ErrIntegrityMismatch):
				fmt.Printf("saved %s, but it does not match its announced digest\n", path)
			case err != nil:
				fmt.Printf("transfer %s failed: %v\n", o.ID, err)
			default:
				fmt.Printf("saved %s (%d bytes)\n", path, res.Record.ReceivedBytes)
			}
		},
	}
}
