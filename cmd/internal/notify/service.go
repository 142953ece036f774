package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "github.com/attia12/stage-mouna/shared/contracts/realtime/v1"

	"github.com/attia12/stage-mouna/cmd/internal/auth/session"
	"github.com/attia12/stage-mouna/cmd/internal/metrics"
	"github.com/attia12/stage-mouna/cmd/internal/realtime"
)

var (
	// ErrNoSession is returned by EnsureConnected when nobody is signed in.
	ErrNoSession = errors.New("notify: no active session")
	// ErrInvalidRequest wraps CreateRequest validation failures.
	ErrInvalidRequest = errors.New("notify: invalid request")
)

const statsTimeout = 10 * time.Second

// Backend is the notification REST surface (api.Client).
type Backend interface {
	CreateNotification(ctx context.Context, in CreateRequest) (Notification, error)
	ListNotifications(ctx context.Context, f Filter) (Page, error)
	MarkRead(ctx context.Context, id string) (Notification, error)
	MarkAllRead(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
}

// Channel is the subset of *realtime.Channel the service drives.
type Channel interface {
	Connect(ctx context.Context, accessToken string) error
	Subscribe(topic string, h realtime.Handler) (*realtime.Subscription, error)
	Disconnect() error
	IsConnected() bool
}

// SessionSource reports the signed-in user (*session.State).
type SessionSource interface {
	Current() (session.Session, bool)
}

// TokenSource reads the stored access token (the token store).
type TokenSource interface {
	LoadAccess(ctx context.Context) (string, bool)
}

// Scratch is session-scoped storage that sign-out empties
// (tokenstore.Ephemeral).
type Scratch interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// lastEventKey holds the id of the last presented notification.
const lastEventKey = "notify.last_event"

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records stats refresh outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPresenter sets where notifications are shown.
func WithPresenter(p Presenter) Option {
	return func(s *Service) { s.presenter = p }
}

// WithSession enables EnsureConnected.
func WithSession(sessions SessionSource, tokens TokenSource) Option {
	return func(s *Service) {
		s.sessions = sessions
		s.tokens = tokens
	}
}

// WithScratch suppresses back-to-back redeliveries of the same notification
// for as long as the session's scratch state lives.
func WithScratch(sc Scratch) Option {
	return func(s *Service) { s.scratch = sc }
}

// Service owns the user's notification topics and the stats projection.
type Service struct {
	backend   Backend
	ch        Channel
	log       *slog.Logger
	metrics   *metrics.Metrics
	presenter Presenter
	sessions  SessionSource
	tokens    TokenSource
	scratch   Scratch

	bg sync.WaitGroup

	mu     sync.Mutex
	userID string
	stats  Stats

	// gen increases on Close; stats fetched under an older gen are dropped.
	gen     uint64
	nextID  int
	onNotif map[int]func(Notification)
	onStats map[int]func(Stats)
}

// New returns a Service. The channel is not opened until Open.
func New(backend Backend, ch Channel, opts ...Option) *Service {
	s := &Service{
		backend: backend,
		ch:      ch,
		log:     slog.Default(),
		onNotif: make(map[int]func(Notification)),
		onStats: make(map[int]func(Stats)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ---- channel lifecycle ----

// Open connects the channel with accessToken and subscribes the user's
// notification and stats topics.
func (s *Service) Open(ctx context.Context, userID, accessToken string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("notify: missing user id")
	}
	if err := s.ch.Connect(ctx, accessToken); err != nil {
		return err
	}

	if _, err := s.ch.Subscribe(v1.NotificationsTopic(userID), s.handleNotification); err != nil {
		return err
	}
	if _, err := s.ch.Subscribe(v1.StatsTopic(userID), s.handleStats); err != nil {
		return err
	}

	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()

	s.log.Info("notify.open", "user_id", userID)
	return nil
}

// EnsureConnected reopens the channel for the current session when it is
// not connected. It never refreshes tokens.
func (s *Service) EnsureConnected(ctx context.Context) error {
	if s.ch.IsConnected() {
		return nil
	}
	if s.sessions == nil || s.tokens == nil {
		return ErrNoSession
	}
	u, ok := s.sessions.Current()
	if !ok {
		return ErrNoSession
	}
	tok, ok := s.tokens.LoadAccess(ctx)
	if !ok {
		return ErrNoSession
	}
	s.log.Info("notify.reconnect", "user_id", u.UserID)
	return s.Open(ctx, u.UserID, tok)
}

// Close disconnects the channel and resets the stats projection.
func (s *Service) Close() error {
	err := s.ch.Disconnect()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.userID = ""
	s.mu.Unlock()
	if s.scratch != nil {
		s.scratch.Delete(lastEventKey)
	}
	s.publishStats(Stats{}, gen)

	return err
}

// UserID returns the user whose topics are subscribed, or "".
func (s *Service) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// IsConnected reports the channel state.
func (s *Service) IsConnected() bool { return s.ch.IsConnected() }

// Wait blocks until background stats refreshes have finished.
func (s *Service) Wait() { s.bg.Wait() }

// ---- inbound ----

func (s *Service) handleNotification(m realtime.Message) {
	var n Notification
	if err := json.Unmarshal(m.Data, &n); err != nil {
		s.log.Info("notify.event.bad_payload", "topic", m.Topic, "err", err)
		return
	}
	if s.redelivered(n.ID) {
		s.log.Debug("notify.event.duplicate", "id", n.ID)
		return
	}
	s.log.Debug("notify.event", "id", n.ID, "type", n.Type, "priority", n.Priority)

	// Listeners first, then the stats re-fetch, then presentation.
	s.mu.Lock()
	listeners := make([]func(Notification), 0, len(s.onNotif))
	for _, fn := range s.onNotif {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(n)
	}

	gen := s.generation()
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
		defer cancel()
		_, _ = s.reloadStats(ctx, gen)
	}()

	if s.presenter != nil {
		s.presenter.Present(n, PresentationFor(n))
	}
}

func (s *Service) handleStats(m realtime.Message) {
	var st Stats
	if err := json.Unmarshal(m.Data, &st); err != nil {
		s.log.Info("notify.stats.bad_payload", "topic", m.Topic, "err", err)
		return
	}
	s.publishStats(st, s.generation())
}

// redelivered records id as the last event and reports whether it already was.
func (s *Service) redelivered(id string) bool {
	if s.scratch == nil || id == "" {
		return false
	}
	if last, ok := s.scratch.Get(lastEventKey); ok && last == id {
		return true
	}
	s.scratch.Set(lastEventKey, id)
	return false
}

// ---- stats projection ----

// Stats returns the last known stats.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ReloadStats fetches stats from the server and publishes them. A result
// that arrives after Close is returned but not published.
func (s *Service) ReloadStats(ctx context.Context) (Stats, error) {
	return s.reloadStats(ctx, s.generation())
}

func (s *Service) reloadStats(ctx context.Context, gen uint64) (Stats, error) {
	st, err := s.backend.Stats(ctx)
	if err != nil {
		s.metrics.StatsRefresh("error")
		s.log.Info("notify.stats.fail", "err", err)
		return Stats{}, err
	}
	if !s.publishStats(st, gen) {
		s.metrics.StatsRefresh("stale")
		s.log.Debug("notify.stats.stale")
		return st, nil
	}
	s.metrics.StatsRefresh("ok")
	return st, nil
}

func (s *Service) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// publishStats stores st and notifies listeners unless Close ran after gen
// was read.
func (s *Service) publishStats(st Stats, gen uint64) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	s.stats = st
	listeners := make([]func(Stats), 0, len(s.onStats))
	for _, fn := range s.onStats {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
	return true
}

// OnNotification registers fn for inbound notifications.
func (s *Service) OnNotification(fn func(Notification)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.onNotif[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.onNotif, id)
		s.mu.Unlock()
	}
}

// OnStats registers fn for stats updates.
func (s *Service) OnStats(fn func(Stats)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.onStats[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.onStats, id)
		s.mu.Unlock()
	}
}

// ---- REST ----

// List returns one page of the user's notifications.
func (s *Service) List(ctx context.Context, f Filter) (Page, error) {
	return s.backend.ListNotifications(ctx, f)
}

// Create sends a notification to RecipientIDs.
func (s *Service) Create(ctx context.Context, in CreateRequest) (Notification, error) {
	if err := in.Validate(); err != nil {
		return Notification{}, err
	}
	return s.backend.CreateNotification(ctx, in)
}

// MarkRead marks one notification read and refreshes stats.
func (s *Service) MarkRead(ctx context.Context, id string) (Notification, error) {
	n, err := s.backend.MarkRead(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	_, _ = s.ReloadStats(ctx)
	return n, nil
}

// MarkAllRead marks everything read and refreshes stats.
func (s *Service) MarkAllRead(ctx context.Context) error {
	if err := s.backend.MarkAllRead(ctx); err != nil {
		return err
	}
	_, _ = s.ReloadStats(ctx)
	return nil
}

// Validate checks a CreateRequest before it is sent.
func (in CreateRequest) Validate() error {
	switch {
	case !in.Type.Valid():
		return fmt.Errorf("%w: type %q", ErrInvalidRequest, in.Type)
	case !in.Priority.Valid():
		return fmt.Errorf("%w: priority %q", ErrInvalidRequest, in.Priority)
	case strings.TrimSpace(in.Message) == "":
		return fmt.Errorf("%w: empty message", ErrInvalidRequest)
	case len(in.RecipientIDs) == 0:
		return fmt.Errorf("%w: no recipients", ErrInvalidRequest)
	}
	return nil
}
