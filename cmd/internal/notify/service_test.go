package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/attia12/stage-mouna/shared/contracts/realtime/v1"

	"github.com/attia12/stage-mouna/cmd/internal/auth/session"
	"github.com/attia12/stage-mouna/cmd/internal/auth/tokenstore"
	"github.com/attia12/stage-mouna/cmd/internal/realtime"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// ---- fakes ----

type fakeBackend struct {
	statsCalls atomic.Int32
	stats      Stats
	statsErr   error

	// statsGate, when set, holds Stats until closed.
	statsGate    chan struct{}
	statsEntered chan struct{}

	mu      sync.Mutex
	created []CreateRequest
	read    []string
	readAll int
}

func (b *fakeBackend) CreateNotification(_ context.Context, in CreateRequest) (Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, in)
	return Notification{ID: "n-1", Type: in.Type, Priority: in.Priority, Message: in.Message, Status: StatusUnread}, nil
}

func (b *fakeBackend) ListNotifications(context.Context, Filter) (Page, error) {
	return Page{Content: []Notification{{ID: "n-1"}}, TotalElements: 1, TotalPages: 1}, nil
}

func (b *fakeBackend) MarkRead(_ context.Context, id string) (Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.read = append(b.read, id)
	return Notification{ID: id, Status: StatusRead}, nil
}

func (b *fakeBackend) MarkAllRead(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readAll++
	return nil
}

func (b *fakeBackend) Stats(context.Context) (Stats, error) {
	b.statsCalls.Add(1)
	if b.statsGate != nil {
		b.statsEntered <- struct{}{}
		<-b.statsGate
	}
	return b.stats, b.statsErr
}

// wsServer accepts connections for token "tok" and exposes them once their
// two topics are subscribed.
type wsServer struct {
	conns chan *websocket.Conn
}

func newWSServer(t *testing.T) (*wsServer, string) {
	t.Helper()
	s := &wsServer{conns: make(chan *websocket.Conn, 4)}
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(srv.Close)
	return s, "ws" + srv.URL[len("http"):]
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer tok" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	if env, err := realtime.ReadEnvelope(ctx, conn); err != nil || env.Type != v1.TypeHello {
		return
	}
	ack, _ := realtime.NewEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: "s-1"}, time.Time{})
	if err := realtime.WriteEnvelope(ctx, conn, ack, time.Second); err != nil {
		return
	}

	subscribed := 0
	for {
		env, err := realtime.ReadEnvelope(ctx, conn)
		if err != nil {
			return
		}
		if env.Type == v1.TypeSubscribe {
			subscribed++
			if subscribed == 2 {
				s.conns <- conn
			}
		}
	}
}

func publish(t *testing.T, conn *websocket.Conn, topic string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env, err := realtime.NewEnvelope(v1.TypeMessage, v1.MessagePayload{Topic: topic, Data: raw}, time.Time{})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := realtime.WriteEnvelope(context.Background(), conn, env, time.Second); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func acceptedConn(t *testing.T, s *wsServer) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("server never saw both subscriptions")
		return nil
	}
}

func newService(t *testing.T, url string, b *fakeBackend, opts ...Option) (*Service, *realtime.Channel) {
	t.Helper()
	ch := realtime.New(url, realtime.WithLogger(quiet))
	svc := New(b, ch, append([]Option{WithLogger(quiet)}, opts...)...)
	t.Cleanup(func() {
		_ = svc.Close()
		svc.Wait()
	})
	return svc, ch
}

// ---- tests ----

func TestUrgentEvent_ListenerOnceStatsOnce(t *testing.T) {
	t.Parallel()

	srv, url := newWSServer(t)
	b := &fakeBackend{stats: Stats{TotalNotifications: 3, UnreadCount: 2, UrgentUnreadCount: 1}}

	var (
		mu        sync.Mutex
		order     []string
		presented []Presentation
	)
	presenter := PresenterFunc(func(n Notification, p Presentation) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "present")
		presented = append(presented, p)
	})
	svc, _ := newService(t, url, b, WithPresenter(presenter))

	var received []Notification
	svc.OnNotification(func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "listener")
		received = append(received, n)
	})

	if err := svc.Open(context.Background(), "42", "tok"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := acceptedConn(t, srv)

	publish(t, conn, v1.NotificationsTopic("42"), Notification{
		ID: "n-9", Type: TypeAlert, Priority: PriorityUrgent, Message: "panne machine 3", Status: StatusUnread,
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := len(presented) == 1
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("notification never presented")
		}
		time.Sleep(5 * time.Millisecond)
	}
	svc.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].ID != "n-9" {
		t.Fatalf("listener got %+v", received)
	}
	if got := b.statsCalls.Load(); got != 1 {
		t.Fatalf("stats fetched %d times, want 1", got)
	}
	if order[0] != "listener" || order[1] != "present" {
		t.Fatalf("order=%v", order)
	}
	p := presented[0]
	if p.AutoDismiss || p.Timeout != 0 || p.Level != LevelError || p.Title != "New ALERT" {
		t.Fatalf("urgent presentation=%+v", p)
	}
	if svc.Stats() != b.stats {
		t.Fatalf("stats projection=%+v", svc.Stats())
	}
}

func TestStatsTopicUpdatesProjection(t *testing.T) {
	t.Parallel()

	srv, url := newWSServer(t)
	b := &fakeBackend{}
	svc, _ := newService(t, url, b)

	got := make(chan Stats, 1)
	cancel := svc.OnStats(func(s Stats) { got <- s })
	defer cancel()

	if err := svc.Open(context.Background(), "42", "tok"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := acceptedConn(t, srv)

	want := Stats{TotalNotifications: 5, UnreadCount: 1, ReadCount: 4}
	publish(t, conn, v1.StatsTopic("42"), want)

	select {
	case s := <-got:
		if s != want {
			t.Fatalf("stats=%+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stats never published")
	}
	if b.statsCalls.Load() != 0 {
		t.Fatalf("stats topic must not trigger a re-fetch")
	}
}

type sessionStub struct {
	s  session.Session
	ok bool
}

func (s sessionStub) Current() (session.Session, bool) { return s.s, s.ok }

type tokenStub string

func (t tokenStub) LoadAccess(context.Context) (string, bool) { return string(t), t != "" }

func TestEnsureConnected(t *testing.T) {
	t.Parallel()

	srv, url := newWSServer(t)

	t.Run("no session", func(t *testing.T) {
		svc, _ := newService(t, url, &fakeBackend{}, WithSession(sessionStub{}, tokenStub("tok")))
		if err := svc.EnsureConnected(context.Background()); !errors.Is(err, ErrNoSession) {
			t.Fatalf("err=%v", err)
		}
	})

	t.Run("reopens", func(t *testing.T) {
		svc, ch := newService(t, url, &fakeBackend{},
			WithSession(sessionStub{s: session.Session{UserID: "42"}, ok: true}, tokenStub("tok")))
		if err := svc.EnsureConnected(context.Background()); err != nil {
			t.Fatalf("EnsureConnected: %v", err)
		}
		acceptedConn(t, srv)
		if !ch.IsConnected() || svc.UserID() != "42" {
			t.Fatalf("connected=%v user=%q", ch.IsConnected(), svc.UserID())
		}
		// Already connected: no new dial.
		if err := svc.EnsureConnected(context.Background()); err != nil {
			t.Fatalf("EnsureConnected again: %v", err)
		}
	})
}

func TestCloseResetsProjection(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{stats: Stats{UnreadCount: 2}}
	svc := New(b, realtime.New("ws://127.0.0.1:1", realtime.WithLogger(quiet)), WithLogger(quiet))

	if _, err := svc.ReloadStats(context.Background()); err != nil {
		t.Fatalf("ReloadStats: %v", err)
	}
	if svc.Stats().UnreadCount != 2 {
		t.Fatalf("stats=%+v", svc.Stats())
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if svc.Stats() != (Stats{}) || svc.IsConnected() {
		t.Fatalf("after close: stats=%+v connected=%v", svc.Stats(), svc.IsConnected())
	}
}

func TestCloseDropsInFlightStats(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{
		stats:        Stats{UnreadCount: 7},
		statsGate:    make(chan struct{}),
		statsEntered: make(chan struct{}, 1),
	}
	svc := New(b, realtime.New("ws://127.0.0.1:1", realtime.WithLogger(quiet)), WithLogger(quiet))

	var mu sync.Mutex
	var published []Stats
	svc.OnStats(func(s Stats) {
		mu.Lock()
		published = append(published, s)
		mu.Unlock()
	})

	res := make(chan Stats, 1)
	go func() {
		st, _ := svc.ReloadStats(context.Background())
		res <- st
	}()
	<-b.statsEntered

	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(b.statsGate)

	if st := <-res; st.UnreadCount != 7 {
		t.Fatalf("ReloadStats returned %+v", st)
	}
	if svc.Stats() != (Stats{}) {
		t.Fatalf("stale stats published after close: %+v", svc.Stats())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(published) != 1 || published[0] != (Stats{}) {
		t.Fatalf("listeners saw %+v", published)
	}
}

func TestRedeliveredEventIsPresentedOnce(t *testing.T) {
	t.Parallel()

	srv, url := newWSServer(t)
	scratch := tokenstore.NewEphemeral()

	var mu sync.Mutex
	var presented []string
	presenter := PresenterFunc(func(n Notification, _ Presentation) {
		mu.Lock()
		presented = append(presented, n.ID)
		mu.Unlock()
	})
	svc, _ := newService(t, url, &fakeBackend{}, WithPresenter(presenter), WithScratch(scratch))

	if err := svc.Open(context.Background(), "42", "tok"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := acceptedConn(t, srv)

	topic := v1.NotificationsTopic("42")
	for _, id := range []string{"n-1", "n-1", "n-2"} {
		publish(t, conn, topic, Notification{ID: id, Type: TypeInfo, Priority: PriorityNormal, Message: "m", Status: StatusUnread})
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(presented)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("presented %d notifications, want 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	svc.Wait()

	mu.Lock()
	if presented[0] != "n-1" || presented[1] != "n-2" {
		t.Fatalf("presented=%v", presented)
	}
	mu.Unlock()

	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := scratch.Get(lastEventKey); ok {
		t.Fatalf("last event survived Close")
	}
}

func TestRESTWrappersRefreshStats(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{stats: Stats{ReadCount: 1}}
	svc := New(b, realtime.New("ws://127.0.0.1:1", realtime.WithLogger(quiet)), WithLogger(quiet))
	ctx := context.Background()

	if _, err := svc.MarkRead(ctx, "n-1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if err := svc.MarkAllRead(ctx); err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	if got := b.statsCalls.Load(); got != 2 {
		t.Fatalf("stats calls=%d want 2", got)
	}
	if len(b.read) != 1 || b.readAll != 1 {
		t.Fatalf("read=%v readAll=%d", b.read, b.readAll)
	}

	b.statsErr = errors.New("boom")
	if _, err := svc.MarkRead(ctx, "n-2"); err != nil {
		t.Fatalf("MarkRead must not fail on a stats error: %v", err)
	}
}

func TestCreateValidates(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	svc := New(b, realtime.New("ws://127.0.0.1:1", realtime.WithLogger(quiet)), WithLogger(quiet))

	cases := []struct {
		name string
		in   CreateRequest
		ok   bool
	}{
		{"ok", CreateRequest{Type: TypeTask, Priority: PriorityLow, Message: "check line 2", RecipientIDs: []string{"7"}}, true},
		{"bad type", CreateRequest{Type: "MEMO", Priority: PriorityLow, Message: "x", RecipientIDs: []string{"7"}}, false},
		{"bad priority", CreateRequest{Type: TypeTask, Priority: "HIGH", Message: "x", RecipientIDs: []string{"7"}}, false},
		{"empty message", CreateRequest{Type: TypeTask, Priority: PriorityLow, Message: "  ", RecipientIDs: []string{"7"}}, false},
		{"no recipients", CreateRequest{Type: TypeTask, Priority: PriorityLow, Message: "x"}, false},
	}
	for _, tc := range cases {
		_, err := svc.Create(context.Background(), tc.in)
		if tc.ok && err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}
	if len(b.created) != 1 {
		t.Fatalf("backend saw %d creates", len(b.created))
	}
}
