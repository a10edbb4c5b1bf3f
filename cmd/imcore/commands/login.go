package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/opd-ai/imcore"
	"github.com/opd-ai/imcore/login"
	"github.com/spf13/cobra"
)

func loginCmd() *cobra.Command {
	var (
		account    int64
		password   string
		servers    []string
		serverKey  string
		deviceFile string
		noSlider   bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and keep the session online until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if account <= 0 {
				return errors.New("--account is required")
			}
			if password == "" {
				password = os.Getenv("IMCORE_PASSWORD")
			}
			if password == "" {
				return errors.New("--password or IMCORE_PASSWORD is required")
			}

			opts := imcore.NewOptions()
			for _, addr := range servers {
				server, err := parseServer(addr)
				if err != nil {
					return err
				}
				opts.Servers = append(opts.Servers, server)
			}
			if serverKey != "" {
				key, err := parseServerKey(serverKey)
				if err != nil {
					return err
				}
				opts.ServerPublicKey = key
			}
			if deviceFile == "" {
				dir, err := os.UserConfigDir()
				if err != nil {
					return err
				}
				deviceFile = filepath.Join(dir, "imcore", "device.json")
			}
			device, err := loadDevice(deviceFile)
			if err != nil {
				return err
			}
			opts.Solver = newTerminalSolver(cmd.InOrStdin(), cmd.OutOrStdout())
			opts.AllowSlider = !noSlider
			opts.Registerer = registry

			session, err := imcore.NewSession(login.NewCredentials(account, password), device, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSession(ctx, session, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Int64Var(&account, "account", 0, "account number")
	cmd.Flags().StringVar(&password, "password", "", "account password (default $IMCORE_PASSWORD)")
	cmd.Flags().StringSliceVar(&servers, "server", nil, "server address host:port (repeatable)")
	cmd.Flags().StringVar(&serverKey, "server-key", "", "hex server public key")
	cmd.Flags().StringVar(&deviceFile, "device", "", "device fingerprint file (default <config dir>/imcore/device.json)")
	cmd.Flags().BoolVar(&noSlider, "no-slider", false, "decline slider captchas")
	return cmd
}
