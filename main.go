package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailgate/cmd"
	"github.com/dhcgn/mailgate/config"
	"github.com/dhcgn/mailgate/gateway"
	"github.com/dhcgn/mailgate/imap"
	"github.com/dhcgn/mailgate/logging"
	"github.com/dhcgn/mailgate/mbox"
	"github.com/dhcgn/mailgate/runner"
	"github.com/dhcgn/mailgate/smtp"
	"github.com/dhcgn/mailgate/stats"
	"github.com/dhcgn/mailgate/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mailgate",
		Short:        "Web API gateway to an IMAP/SMTP mail account",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := logging.Setup(cfg.LogLevel, cfg.LogDir, "mailgate")
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mailgate", "addr", cfg.ListenAddr(), "imapHost", cfg.IMAPHost, "mboxDir", cfg.MboxDir)

			return run(cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewInspectCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	r := runner.New(logger)
	reporter := stats.NewReporter(r, logger)

	opener, err := newOpener(cfg, logger)
	if err != nil {
		return err
	}

	sender, err := smtp.NewSender(smtp.Options{
		Host:               cfg.SMTPHost,
		Port:               cfg.SMTPPort,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}, logger)
	if err != nil {
		return fmt.Errorf("smtp.NewSender: %w", err)
	}

	svc, err := gateway.New(opener, sender, r, logger)
	if err != nil {
		return fmt.Errorf("gateway.New: %w", err)
	}

	srv, err := web.NewServer(svc, reporter, web.Options{
		EncryptionKey:  cfg.EncryptionKey,
		AllowedOrigins: cfg.AllowedOrigins,
		CookieSecure:   cfg.CookieSecure,
		SessionTTL:     cfg.SessionTTL,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, logger)
	if err != nil {
		return fmt.Errorf("web.NewServer: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r.AddStage("http", func(ctx context.Context) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		defer context.AfterFunc(sigCtx, cancel)()
		return web.ListenAndServe(ctx, cfg.ListenAddr(), srv.Handler(), cfg.ShutdownTimeout, logger)
	})

	return r.Wait()
}

// newOpener serves mailboxes from a local mbox directory when one is
// configured, otherwise from the user's IMAP server.
func newOpener(cfg config.Config, logger *slog.Logger) (gateway.Opener, error) {
	if cfg.MboxDir != "" {
		opener, err := mbox.NewOpener(cfg.MboxDir, logger)
		if err != nil {
			return nil, fmt.Errorf("mbox.NewOpener: %w", err)
		}
		return opener, nil
	}
	opener, err := imap.NewOpener(imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("imap.NewOpener: %w", err)
	}
	return opener, nil
}
