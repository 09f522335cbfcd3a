package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"sealchat/internal/app"
	"sealchat/internal/domain"
)

const passphraseEnv = "SEALCHAT_PASSPHRASE"

var (
	home       string
	configPath string
	passphrase string
	appCtx     *app.App
)

// Execute runs the CLI.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "sealchat",
		Short:         "End-to-end encrypted chat and file transfer CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".sealchat")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			if passphrase == "" {
				passphrase = os.Getenv(passphraseEnv)
			}
			if !needsWire(cmd) {
				return nil
			}
			return wire()
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.sealchat)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <home>/sealchat.toml)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the private key (or $"+passphraseEnv+")")

	root.AddCommand(
		initCmd(),
		registerCmd(),
		fingerprintCmd(),
		sendCmd(),
		roomSendCmd(),
		recvCmd(),
		sendFileCmd(),
		roomSendFileCmd(),
		fetchFileCmd(),
		listenCmd(),
	)

	err := root.ExecuteContext(ctx)
	if appCtx != nil {
		appCtx.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// needsWire is false for init, which writes the configuration first, and
// for cobra's built-in help and completion commands.
func needsWire(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "init", "help", "completion":
			return false
		}
	}
	return true
}

func options() app.Config {
	return app.Config{Home: home, ConfigPath: configPath}
}

// wire loads the configuration and builds appCtx.
func wire() error {
	opts := options()
	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	w, err := app.NewWire(opts, cfg)
	if err != nil {
		return err
	}
	appCtx = app.New(w)
	return nil
}

// unlock makes the private key available or fails with a hint.
func unlock(cmd *cobra.Command) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase required (-p or $%s)", passphraseEnv)
	}
	return appCtx.Unlock(cmd.Context(), passphrase)
}

func progressPrinter(label string) domain.ProgressFunc {
	return func(p domain.Progress) {
		fmt.Fprintf(os.Stderr, "\r%s %d/%d bytes", label, p.Done, p.Total)
		if p.Done == p.Total {
			fmt.Fprintln(os.Stderr)
		}
	}
}
