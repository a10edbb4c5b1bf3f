package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/imcore"
	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/login"
	simnet "github.com/opd-ai/imcore/testing"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// demoPushCommand is the command name of the pushes sent by the demo server.
const demoPushCommand = "MessageSvc.PushNotify"

func demoCmd() *cobra.Command {
	var (
		duration     time.Duration
		pushInterval time.Duration
		dropAfter    time.Duration
		captcha      bool
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a session against an in-memory simulated server",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := crypto.GenerateServerKeypair()
			if err != nil {
				return err
			}
			creds := login.NewCredentials(10001, "demo")
			cfg := simnet.ServerConfig{
				Credentials:   creds,
				ServerPrivate: priv,
				ChunkSize:     64,
				Compress:      true,
			}
			if captcha {
				cfg.LoginScript = []func(*login.ServerRequest) login.Challenge{
					func(*login.ServerRequest) login.Challenge {
						return login.PictureCaptcha{Image: []byte("demo captcha"), Sign: []byte{1}}
					},
				}
			}
			server := simnet.NewSimulatedServer(cfg)

			device, err := login.NewRandomDevice()
			if err != nil {
				return err
			}
			opts := imcore.NewOptions()
			opts.Servers = []imcore.Server{{Host: "sim", Port: 8080}}
			opts.ServerPublicKey = pub
			opts.TransportFactory = server.Factory()
			opts.Solver = newTerminalSolver(cmd.InOrStdin(), cmd.OutOrStdout())
			opts.Registerer = registry
			opts.HeartbeatInterval = 2 * time.Second
			opts.ReconnectDelay = 100 * time.Millisecond

			session, err := imcore.NewSession(creds, device, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()
			go drive(ctx, session, server, pushInterval, dropAfter)
			return runSession(ctx, session, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "how long to run")
	cmd.Flags().DurationVar(&pushInterval, "push-interval", time.Second, "interval between server pushes")
	cmd.Flags().DurationVar(&dropAfter, "drop-after", 4*time.Second, "drop the connection once after this long (0 disables)")
	cmd.Flags().BoolVar(&captcha, "captcha", false, "answer a picture captcha before login succeeds")
	return cmd
}

// drive sends periodic pushes and drops the connection once.
func drive(ctx context.Context, session *imcore.Session, server *simnet.SimulatedServer, pushInterval, dropAfter time.Duration) {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()
	var drop <-chan time.Time
	if dropAfter > 0 {
		timer := time.NewTimer(dropAfter)
		defer timer.Stop()
		drop = timer.C
	}

	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-drop:
			server.DropConnection()
		case <-ticker.C:
			if session.State() != imcore.StateOnline {
				continue
			}
			n++
			if err := server.Push(demoPushCommand, []byte(fmt.Sprintf("hello %d", n))); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "drive",
					"error":    err.Error(),
				}).Debug("Push skipped")
			}
		}
	}
}
