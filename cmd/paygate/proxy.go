package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/polycrawl/paygate/config"
	paygatehttp "github.com/polycrawl/paygate/http"
	"github.com/spf13/cobra"
)

func proxyCmd(load func() (*config.Config, error)) *cobra.Command {
	var listen, target, keyPath, keyID string
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the signing forward proxy",
		Long: `Run a reverse proxy that signs every request with an agent key before
forwarding it to the gateway, for agents that cannot sign themselves.

Flags override the forward section of the configuration.

Examples:
  paygate proxy --target https://gw.example.com --key tap-agent-private.pem`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.Forward.Listen
			}
			if target == "" {
				target = cfg.Forward.Target
			}
			if keyPath == "" {
				keyPath = cfg.Forward.KeyPath
			}
			if keyID == "" {
				keyID = cfg.Forward.KeyID
			}
			if target == "" || keyPath == "" {
				return errors.New("proxy needs --target and --key (or forward.target and forward.key_path)")
			}
			u, err := url.Parse(target)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("invalid target %q", target)
			}
			signer, err := loadSigner(keyPath, keyID)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              listen,
				Handler:           paygatehttp.NewForwarder(u, signer, nil, logger),
				ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("forward proxy listening", "addr", listen, "target", u.String(), "key_id", signer.KeyID())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address")
	cmd.Flags().StringVarP(&target, "target", "t", "", "gateway base URL")
	cmd.Flags().StringVarP(&keyPath, "key", "k", "", "agent private key PEM")
	cmd.Flags().StringVar(&keyID, "keyid", "", "key id (derived from the key when empty)")
	return cmd
}
