package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/sessions"
	jsoniter "github.com/json-iterator/go"

	"github.com/dhcgn/mailgate/assemble"
	"github.com/dhcgn/mailgate/gateway"
	"github.com/dhcgn/mailgate/model"
	"github.com/dhcgn/mailgate/stats"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const readHeaderTimeout = 10 * time.Second

// Gateway is the mail service the HTTP API is a thin adapter over.
type Gateway interface {
	SignIn(ctx context.Context, creds model.Credentials) (model.Credentials, error)
	List(ctx context.Context, creds model.Credentials, req gateway.ListRequest) (assemble.Listing, error)
	Detail(ctx context.Context, creds model.Credentials, req gateway.DetailRequest) (assemble.Detail, error)
	Attachment(ctx context.Context, creds model.Credentials, req gateway.AttachmentRequest) (assemble.Download, error)
	Mailboxes(ctx context.Context, creds model.Credentials) ([]string, error)
	Delete(ctx context.Context, creds model.Credentials, req gateway.DeleteRequest) error
	Send(ctx context.Context, creds model.Credentials, msg model.Outgoing) error
}

type StatsSource interface {
	Summary() stats.Summary
}

type Options struct {
	EncryptionKey  string
	AllowedOrigins []string
	CookieSecure   bool
	SessionTTL     time.Duration
	MaxUploadBytes int64
}

type Server struct {
	gw     Gateway
	stats  StatsSource
	store  *sessions.CookieStore
	opts   Options
	logger *slog.Logger
}

func NewServer(gw Gateway, statsSource StatsSource, opts Options, logger *slog.Logger) (*Server, error) {
	if gw == nil {
		return nil, fmt.Errorf("gateway must not be nil")
	}
	if opts.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("max upload bytes must be positive")
	}
	store, err := newCookieStore(opts)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{gw: gw, stats: statsSource, store: store, opts: opts, logger: logger}, nil
}

// Handler builds the router with all middleware attached.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(corsHandler(s.opts.AllowedOrigins))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/sign-in", s.handleSignIn)
		r.Post("/sign-out", s.handleSignOut)
	})

	r.Get("/app", func(w http.ResponseWriter, r *http.Request) {
		writeText(w, http.StatusOK, "app")
	})
	r.Get("/app/stats", s.handleStats)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireSession)
		r.Get("/email", s.handleList)
		r.Delete("/email", s.handleDelete)
		r.Post("/email/send", s.handleSend)
		r.Get("/mailbox", s.handleMailboxes)
		r.Get("/emailDetail", s.handleDetail)
		r.Get("/attachment", s.handleAttachment)
	})

	return r
}

// corsHandler allows credentials for every configured origin. A "*" entry
// echoes the caller's origin instead of a literal wildcard.
func corsHandler(origins []string) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           3600,
	}
	wildcard := false
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}
	if wildcard {
		opts.AllowOriginFunc = func(*http.Request, string) bool { return true }
	} else {
		opts.AllowedOrigins = origins
	}
	return cors.Handler(opts)
}

// ListenAndServe serves handler on addr until ctx is cancelled, then shuts
// down gracefully within shutdownTimeout.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return Serve(ctx, ln, handler, shutdownTimeout, logger)
}

func Serve(ctx context.Context, ln net.Listener, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}
