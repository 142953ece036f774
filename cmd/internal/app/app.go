// Package app wires the dashctl runtime: config, logging, the token store and
// the session and notification components built on top of it.
//
// Every component is constructed once in New and handed to the others
// explicitly; there are no package-level singletons.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/attia12/stage-mouna/cmd/internal/api"
	"github.com/attia12/stage-mouna/cmd/internal/auth/authorizer"
	"github.com/attia12/stage-mouna/cmd/internal/auth/coordinator"
	"github.com/attia12/stage-mouna/cmd/internal/auth/session"
	"github.com/attia12/stage-mouna/cmd/internal/auth/tokenstore"
	"github.com/attia12/stage-mouna/cmd/internal/metrics"
	"github.com/attia12/stage-mouna/cmd/internal/notify"
	"github.com/attia12/stage-mouna/cmd/internal/realtime"
)

// Option customizes New.
type Option func(*options)

type options struct {
	presenter notify.Presenter
	signedOut func()
	transport http.RoundTripper
}

// WithPresenter sets where inbound notifications are shown.
func WithPresenter(p notify.Presenter) Option {
	return func(o *options) { o.presenter = p }
}

// WithSignedOut is called after every sign-out, forced or not.
func WithSignedOut(fn func()) Option {
	return func(o *options) { o.signedOut = fn }
}

// WithTransport replaces the base HTTP transport (tests).
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// App is the wired client runtime.
type App struct {
	Config  *Config
	Log     Logger
	Metrics *metrics.Metrics

	Store       *tokenstore.KV
	State       *session.State
	Registry    *Registry
	Coordinator *coordinator.Coordinator
	Auth        *api.AuthClient
	API         *api.Client
	Channel     *realtime.Channel
	Notify      *notify.Service

	pool *pgxpool.Pool
}

// New constructs a fully wired App from cfg. The session is not restored;
// call Start for that.
func New(ctx context.Context, cfg *Config, log Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(nil, cfg.Log.Level, cfg.Log.Format)
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	store, pool, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	state := session.NewState(nil, false)
	reg := NewRegistry()

	authHTTP := &http.Client{Transport: o.transport, Timeout: cfg.API.Timeout}
	authClient := api.NewAuthClient(cfg.API.BaseURL, authHTTP)

	coord := coordinator.New(authClient, store, state,
		coordinator.WithLogger(log),
		coordinator.WithMetrics(m),
		coordinator.WithNotifier(reg.Notifier),
		coordinator.WithProfiles(reg.Profiles),
		coordinator.WithSignedOut(o.signedOut),
	)

	tr := authorizer.New(o.transport, store, coord,
		authorizer.WithLogger(log),
		authorizer.WithMetrics(m),
	)
	client := api.NewClient(cfg.API.BaseURL, &http.Client{Transport: tr, Timeout: cfg.API.Timeout})

	var wsHTTP *http.Client
	if o.transport != nil {
		wsHTTP = &http.Client{Transport: o.transport}
	}
	ch := realtime.New(cfg.RealtimeURL(),
		realtime.WithLogger(log),
		realtime.WithMetrics(m),
		realtime.WithHTTPClient(wsHTTP),
		realtime.WithHeartbeat(cfg.Realtime.HeartbeatInterval, cfg.Realtime.HeartbeatTimeout),
		realtime.WithDialTimeout(cfg.Realtime.DialTimeout),
	)
	ch.OnStateChange(func(s realtime.ConnectionState) {
		log.Info("channel.state", "state", s.String())
	})

	svc := notify.New(client, ch,
		notify.WithLogger(log),
		notify.WithMetrics(m),
		notify.WithPresenter(o.presenter),
		notify.WithSession(state, store),
		notify.WithScratch(store.Ephemeral()),
	)

	reg.SetNotifier(svc)
	reg.SetProfiles(client)

	return &App{
		Config:      cfg,
		Log:         log,
		Metrics:     m,
		Store:       store,
		State:       state,
		Registry:    reg,
		Coordinator: coord,
		Auth:        authClient,
		API:         client,
		Channel:     ch,
		Notify:      svc,
		pool:        pool,
	}, nil
}

// Start restores a persisted session and, when one is valid, opens the
// notification channel. It reports whether the user is signed in.
func (a *App) Start(ctx context.Context) bool {
	if !a.Coordinator.Restore(ctx) {
		return false
	}
	if err := a.Notify.EnsureConnected(ctx); err != nil {
		a.Log.Warn("app.channel_open.fail", "err", err)
	}
	return true
}

// Close waits for background work, disconnects the channel and releases the
// store. Stored tokens are kept.
func (a *App) Close() error {
	var errs []error
	// A channel opened by a late sign-in goroutine must be seen by Notify.Close.
	a.Coordinator.Wait()
	if err := a.Notify.Close(); err != nil {
		errs = append(errs, err)
	}
	a.Notify.Wait()
	a.State.Close()
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}

// ServeMetrics serves /metrics on addr until ctx is done.
func (a *App) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.Log.Info("metrics.start", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.Log.Error("metrics.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Log.Error("metrics.shutdown.fail", "err", err)
		return err
	}
	a.Log.Info("metrics.stopped")
	return nil
}
