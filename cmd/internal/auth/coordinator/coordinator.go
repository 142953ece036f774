// Package coordinator drives sign-in, sign-up, refresh and sign-out.
//
// It is the only writer of the token store and the session state. The
// notification channel is reached through a late-bound Notifier so the
// channel never needs to know about authentication.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/attia12/stage-mouna/cmd/internal/api"
	"github.com/attia12/stage-mouna/cmd/internal/auth/session"
	"github.com/attia12/stage-mouna/cmd/internal/auth/tokenstore"
	"github.com/attia12/stage-mouna/cmd/internal/metrics"
	"github.com/attia12/stage-mouna/cmd/security/token"
)

// AuthState is the coordinator's state machine position.
type AuthState int

const (
	Anonymous AuthState = iota
	Authenticating
	Authenticated
	Refreshing
)

func (s AuthState) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// AuthAPI is the credential exchange surface (api.AuthClient).
type AuthAPI interface {
	Login(ctx context.Context, cr api.Credentials) (session.TokenPair, error)
	Register(ctx context.Context, r api.Registration) error
	Refresh(ctx context.Context, refreshToken string) (session.TokenPair, error)
}

// ProfileAPI loads the signed-in user's profile (api.Client).
type ProfileAPI interface {
	Me(ctx context.Context) (session.Profile, error)
}

// Notifier is the notification side of an auth transition.
type Notifier interface {
	Open(ctx context.Context, userID, accessToken string) error
	Close() error
}

// errSignedOut marks an exchange whose result arrived after a sign-out.
var errSignedOut = errors.New("signed out while the exchange was in flight")

const (
	backgroundTimeout = 15 * time.Second
	refreshTimeout    = 15 * time.Second
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics records transitions and refresh results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithNotifier late-binds the notification channel. resolve may return nil.
func WithNotifier(resolve func() Notifier) Option {
	return func(c *Coordinator) { c.notifier = resolve }
}

// WithProfiles late-binds the profile endpoint. resolve may return nil.
func WithProfiles(resolve func() ProfileAPI) Option {
	return func(c *Coordinator) { c.profiles = resolve }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSignedOut registers the navigate-to-sign-in effect.
func WithSignedOut(fn func()) Option {
	return func(c *Coordinator) { c.onSignedOut = fn }
}

// Coordinator owns the auth state machine.
type Coordinator struct {
	auth  AuthAPI
	store tokenstore.Store
	state *session.State

	log         *slog.Logger
	metrics     *metrics.Metrics
	notifier    func() Notifier
	profiles    func() ProfileAPI
	now         func() time.Time
	onSignedOut func()

	mu sync.Mutex
	st AuthState
	// busy is set while a SignIn or Refresh runs. Only the operation that set
	// it clears it.
	busy bool
	// epoch increases on every sign-in and sign-out; work started under an
	// older epoch discards its result.
	epoch uint64

	// commit serializes persisting a session with tearing it down, so a
	// stale exchange can never write tokens after SignOut cleared them.
	commit sync.Mutex

	sf singleflight.Group
	bg sync.WaitGroup
}

// New returns a Coordinator in the Anonymous state. Call Restore to pick up a stored session.
func New(auth AuthAPI, store tokenstore.Store, state *session.State, opts ...Option) *Coordinator {
	c := &Coordinator{
		auth:     auth,
		store:    store,
		state:    state,
		log:      slog.Default(),
		notifier: func() Notifier { return nil },
		profiles: func() ProfileAPI { return nil },
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// State returns the current machine state.
func (c *Coordinator) State() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// SessionState returns the observable session state.
func (c *Coordinator) SessionState() *session.State { return c.state }

// AccessToken reads the stored access token.
func (c *Coordinator) AccessToken(ctx context.Context) (string, bool) {
	return c.store.LoadAccess(ctx)
}

// HasRole reports whether the current user has role.
func (c *Coordinator) HasRole(role string) bool {
	s, ok := c.state.Current()
	return ok && s.HasRole(role)
}

// HasAnyRole reports whether the current user has one of roles.
func (c *Coordinator) HasAnyRole(roles ...string) bool {
	s, ok := c.state.Current()
	return ok && s.HasAnyRole(roles...)
}

// Wait blocks until background work (channel open, profile load) finishes.
func (c *Coordinator) Wait() { c.bg.Wait() }

// Restore publishes the stored session when its access token is still valid.
func (c *Coordinator) Restore(ctx context.Context) bool {
	c.commit.Lock()
	defer c.commit.Unlock()

	s, ok := session.Restore(ctx, c.store, c.now())
	if !ok {
		c.state.Set(nil)
		c.state.SetAuthenticated(false)
		c.log.Info("auth.restore.none")
		return false
	}

	c.mu.Lock()
	c.setLocked(Authenticated)
	epoch := c.epoch
	c.mu.Unlock()

	c.state.Set(s)
	c.state.SetAuthenticated(true)
	c.log.Info("auth.restore.ok", "user_id", s.UserID, "expires_at", s.ExpiresAt)
	c.loadProfileAsync(epoch, *s)
	return true
}

// SignIn exchanges credentials, persists the tokens, publishes the session and
// opens the notification channel in the background.
func (c *Coordinator) SignIn(ctx context.Context, cr api.Credentials) (session.Session, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return session.Session{}, session.NewAuthError("signin", session.ErrAuthInProgress, nil)
	}
	c.busy = true
	c.setLocked(Authenticating)
	started := c.epoch
	c.mu.Unlock()

	s, pair, err := c.login(ctx, cr)
	if err == nil {
		var epoch uint64
		if epoch, err = c.commitSignIn(ctx, started, s, pair); err == nil {
			c.log.Info("auth.signin.ok", "user_id", s.UserID, "token", token.Fingerprint(pair.AccessToken))
			c.openNotifierAsync(epoch, s.UserID, pair.AccessToken)
			c.loadProfileAsync(epoch, s)
			return s, nil
		}
	}

	c.finish(started, Anonymous)
	c.log.Info("auth.signin.fail", "err", err)
	return session.Session{}, err
}

func (c *Coordinator) login(ctx context.Context, cr api.Credentials) (session.Session, session.TokenPair, error) {
	pair, err := c.auth.Login(ctx, cr)
	if err != nil {
		return session.Session{}, session.TokenPair{}, session.NewAuthError("signin", classifyLogin(err), err)
	}
	s, err := session.Decode(pair.AccessToken)
	if err != nil {
		return session.Session{}, session.TokenPair{}, session.NewAuthError("signin", session.ErrValidation, err)
	}
	return s, pair, nil
}

// commitSignIn persists and publishes the session unless a sign-out happened
// after started. It returns the new epoch.
func (c *Coordinator) commitSignIn(ctx context.Context, started uint64, s session.Session, pair session.TokenPair) (uint64, error) {
	c.commit.Lock()
	defer c.commit.Unlock()

	if !c.current(started) {
		return 0, session.NewAuthError("signin", session.ErrSessionExpired, errSignedOut)
	}
	if err := c.store.Save(ctx, pair); err != nil {
		return 0, session.NewAuthError("signin", session.ErrNetwork, err)
	}
	if err := c.store.SaveProfile(ctx, session.ProfileFromSession(s)); err != nil {
		c.log.Warn("auth.signin.profile_cache.fail", "err", err)
	}

	c.mu.Lock()
	c.busy = false
	c.epoch++
	epoch := c.epoch
	c.setLocked(Authenticated)
	c.mu.Unlock()

	c.state.Set(&s)
	c.state.SetAuthenticated(true)
	return epoch, nil
}

// SignUp registers an account. It never touches the session.
func (c *Coordinator) SignUp(ctx context.Context, r api.Registration) error {
	if err := r.Validate(); err != nil {
		return session.NewAuthError("signup", session.ErrValidation, err)
	}
	if err := c.auth.Register(ctx, r); err != nil {
		c.log.Info("auth.signup.fail", "err", err)
		return session.NewAuthError("signup", classifySignUp(err), err)
	}
	c.log.Info("auth.signup.ok", "email", r.Email)
	return nil
}

// Refresh exchanges the stored refresh token for a new access token.
// Concurrent callers share one exchange. Any failure signs the user out.
func (c *Coordinator) Refresh(ctx context.Context) (session.TokenPair, error) {
	ch := c.sf.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return c.refresh(rctx)
	})

	select {
	case <-ctx.Done():
		return session.TokenPair{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.log.Debug("auth.refresh.coalesced")
		}
		if res.Err != nil {
			return session.TokenPair{}, res.Err
		}
		return res.Val.(session.TokenPair), nil
	}
}

func (c *Coordinator) refresh(ctx context.Context) (session.TokenPair, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return session.TokenPair{}, session.NewAuthError("refresh", session.ErrAuthInProgress, nil)
	}
	c.busy = true
	prev := c.st
	c.setLocked(Refreshing)
	started := c.epoch
	c.mu.Unlock()

	rt, ok := c.store.LoadRefresh(ctx)
	if !ok {
		c.metrics.Refresh("no_refresh_token")
		c.log.Info("auth.refresh.no_token")
		c.signOutIfCurrent(ctx, started)
		c.finish(started, prev)
		return session.TokenPair{}, session.NewAuthError("refresh", session.ErrNoRefreshToken, nil)
	}

	pair, err := c.auth.Refresh(ctx, rt)
	if err == nil {
		var s session.Session
		if s, err = session.Decode(pair.AccessToken); err == nil {
			if s, err = c.commitRefresh(ctx, started, pair, s); err == nil {
				c.metrics.Refresh("ok")
				c.log.Info("auth.refresh.ok", "user_id", s.UserID, "token", token.Fingerprint(pair.AccessToken), "rotated", pair.RefreshToken != "")
				return pair, nil
			}
		}
	}

	if errors.Is(err, errSignedOut) {
		c.metrics.Refresh("discarded")
		c.log.Info("auth.refresh.discarded", "token", token.Fingerprint(pair.AccessToken))
		c.finish(started, prev)
		return session.TokenPair{}, session.NewAuthError("refresh", session.ErrSessionExpired, err)
	}

	kind := classifyRefresh(err)
	c.metrics.Refresh(resultLabel(kind))
	c.log.Info("auth.refresh.fail", "err", err)
	c.signOutIfCurrent(ctx, started)
	c.finish(started, prev)
	return session.TokenPair{}, session.NewAuthError("refresh", kind, err)
}

// commitRefresh persists the exchanged pair and republishes the session
// unless a sign-out happened after started.
func (c *Coordinator) commitRefresh(ctx context.Context, started uint64, pair session.TokenPair, s session.Session) (session.Session, error) {
	c.commit.Lock()
	defer c.commit.Unlock()

	if !c.current(started) {
		return s, errSignedOut
	}
	if err := c.store.Save(ctx, pair); err != nil {
		return s, err
	}
	if p, ok := c.store.LoadProfile(ctx); ok {
		s = p.Merge(s)
	}
	c.finish(started, Authenticated)
	c.state.Set(&s)
	c.state.SetAuthenticated(true)
	return s, nil
}

// finish clears busy. The machine only moves to next when no sign-out
// happened after started.
func (c *Coordinator) finish(started uint64, next AuthState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	if c.epoch == started {
		c.setLocked(next)
	}
}

func (c *Coordinator) signOutIfCurrent(ctx context.Context, started uint64) {
	if c.current(started) {
		c.SignOut(ctx)
	}
}

// SignOut tears the session down. It is total and idempotent: failures are
// logged and the remaining steps still run. An in-flight SignIn or Refresh
// keeps running but its result is discarded.
func (c *Coordinator) SignOut(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	c.commit.Lock()
	c.mu.Lock()
	c.epoch++
	c.setLocked(Anonymous)
	c.mu.Unlock()

	if n := c.notifier(); n != nil {
		if err := n.Close(); err != nil {
			c.log.Warn("auth.signout.channel_close.fail", "err", err)
		}
	}
	if err := c.store.Clear(ctx); err != nil {
		c.log.Error("auth.signout.store_clear.fail", "err", err)
	}
	c.state.Set(nil)
	c.state.SetAuthenticated(false)
	c.commit.Unlock()
	c.log.Info("auth.signout.ok")

	if c.onSignedOut != nil {
		c.onSignedOut()
	}
}

func (c *Coordinator) setLocked(s AuthState) {
	if c.st == s {
		return
	}
	c.st = s
	c.metrics.AuthTransition(s.String())
}

func (c *Coordinator) current(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch
}

func (c *Coordinator) openNotifierAsync(epoch uint64, userID, accessToken string) {
	n := c.notifier()
	if n == nil {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if !c.current(epoch) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if err := n.Open(ctx, userID, accessToken); err != nil {
			c.log.Warn("auth.channel_open.fail", "user_id", userID, "err", err)
			return
		}
		// Signed out while the channel was opening.
		if !c.current(epoch) {
			_ = n.Close()
		}
	}()
}

func (c *Coordinator) loadProfileAsync(epoch uint64, s session.Session) {
	p := c.profiles()
	if p == nil {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()

		prof, err := p.Me(ctx)
		if err != nil {
			c.log.Warn("auth.profile_load.fail", "err", err)
			return
		}
		if prof.ID == "" {
			prof.ID = s.UserID
		}
		if c.commitProfile(ctx, epoch, prof, s) {
			c.log.Debug("auth.profile_load.ok", "user_id", prof.ID)
		}
	}()
}

func (c *Coordinator) commitProfile(ctx context.Context, epoch uint64, prof session.Profile, s session.Session) bool {
	c.commit.Lock()
	defer c.commit.Unlock()

	if !c.current(epoch) {
		return false
	}
	if err := c.store.SaveProfile(ctx, prof); err != nil {
		c.log.Warn("auth.profile_cache.fail", "err", err)
	}
	merged := prof.Merge(s)
	if merged.FirstName != s.FirstName || merged.LastName != s.LastName {
		c.state.Set(&merged)
	}
	return true
}

// ---- error classification ----

func classifyLogin(err error) error {
	if errors.Is(err, api.ErrMalformedResponse) {
		return session.ErrValidation
	}
	var se *api.StatusError
	if !errors.As(err, &se) {
		return session.ErrNetwork
	}
	switch {
	case se.Status == http.StatusBadRequest, se.Status == http.StatusUnauthorized, se.Status == http.StatusForbidden:
		return session.ErrInvalidCredentials
	case se.Status == http.StatusUnprocessableEntity:
		return session.ErrValidation
	case se.Temporary():
		return session.ErrNetwork
	default:
		return session.ErrInvalidCredentials
	}
}

func classifySignUp(err error) error {
	var se *api.StatusError
	if !errors.As(err, &se) {
		return session.ErrNetwork
	}
	switch se.Status {
	case http.StatusConflict:
		return session.ErrDuplicateEmail
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return session.ErrValidation
	default:
		return session.ErrNetwork
	}
}

func classifyRefresh(err error) error {
	var se *api.StatusError
	if errors.As(err, &se) {
		if se.Temporary() {
			return session.ErrNetwork
		}
		return session.ErrSessionExpired
	}
	var de *session.DecodeError
	if errors.As(err, &de) || errors.Is(err, api.ErrMalformedResponse) {
		return session.ErrSessionExpired
	}
	return session.ErrNetwork
}

func resultLabel(kind error) string {
	switch {
	case errors.Is(kind, session.ErrSessionExpired):
		return "expired"
	case errors.Is(kind, session.ErrNetwork):
		return "network"
	default:
		return "error"
	}
}
