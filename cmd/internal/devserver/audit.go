package devserver

import (
	"math"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Audit actions.
const (
	auditLoginFailed      = "auth.login.failed"
	auditLoginSuccess     = "auth.login.success"
	auditLoginRateLimited = "auth.login.rate_limited"
	auditRefreshSuccess   = "auth.refresh.success"
	auditRefreshRejected  = "auth.refresh.rejected"
	auditRegister         = "auth.register"
)

const auditCapacity = 1024

// AuditEntry is one security-relevant event.
type AuditEntry struct {
	Action    string         `json:"action"`
	UserID    string         `json:"userId,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// LockoutConfig drives login throttling. Failures are counted per client IP
// and per account; account lockouts grow with the failure count.
type LockoutConfig struct {
	IPMax    int
	IPWindow time.Duration

	UserWindow     time.Duration
	ShortThreshold int
	ShortDuration  time.Duration
	LongThreshold  int
	LongDuration   time.Duration
}

// DefaultLockoutConfig is lenient enough for manual testing.
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		IPMax:          50,
		IPWindow:       15 * time.Minute,
		UserWindow:     15 * time.Minute,
		ShortThreshold: 5,
		ShortDuration:  time.Minute,
		LongThreshold:  10,
		LongDuration:   15 * time.Minute,
	}
}

// auditLog keeps the most recent auditCapacity entries in memory.
type auditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *auditLog) record(e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == auditCapacity {
		a.entries = slices.Delete(a.entries, 0, 1)
	}
	a.entries = append(a.entries, e)
}

// recent returns up to n entries, newest first.
func (a *auditLog) recent(n int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.entries) {
		n = len(a.entries)
	}
	out := make([]AuditEntry, 0, n)
	for i := len(a.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, a.entries[i])
	}
	return out
}

// count returns how many entries for action since match, and when the last
// one happened.
func (a *auditLog) count(action string, since time.Time, match func(AuditEntry) bool) (int, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var (
		n    int
		last time.Time
	)
	for _, e := range a.entries {
		if e.Action == action && !e.CreatedAt.Before(since) && match(e) {
			n++
			last = e.CreatedAt
		}
	}
	return n, last
}

func (s *Server) audit(r *http.Request, action, userID string, meta map[string]any) {
	e := AuditEntry{
		Action:    action,
		UserID:    userID,
		IP:        clientIP(r),
		UserAgent: strings.TrimSpace(r.UserAgent()),
		Meta:      meta,
		CreatedAt: s.now(),
	}
	s.auditLog.record(e)
	s.log.Info("devserver.audit", "action", action, "user_id", userID, "ip", e.IP)
}

// loginThrottled reports whether a login from ip for email must be refused
// and how long the client should wait. An account lockout runs from the
// last failure.
func (s *Server) loginThrottled(ip, email string) (bool, time.Duration) {
	now := s.now()
	lc := s.cfg.Lockout

	if ip != "" && lc.IPMax > 0 {
		n, _ := s.auditLog.count(auditLoginFailed, now.Add(-lc.IPWindow), func(e AuditEntry) bool { return e.IP == ip })
		if n >= lc.IPMax {
			return true, lc.IPWindow
		}
	}
	if email == "" {
		return false, 0
	}

	n, last := s.auditLog.count(auditLoginFailed, now.Add(-lc.UserWindow), func(e AuditEntry) bool {
		v, _ := e.Meta["identifier"].(string)
		return v == email
	})
	var lock time.Duration
	switch {
	case lc.LongThreshold > 0 && n >= lc.LongThreshold:
		lock = lc.LongDuration
	case lc.ShortThreshold > 0 && n >= lc.ShortThreshold:
		lock = lc.ShortDuration
	default:
		return false, 0
	}
	if remaining := last.Add(lock).Sub(now); remaining > 0 {
		return true, remaining
	}
	return false, 0
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(retryAfter.Seconds())), 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	u, _ := caller(r.Context())
	if !slices.Contains(u.Roles, RoleAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if n <= 0 {
		n = 50
	}
	writeJSON(w, http.StatusOK, s.auditLog.recent(min(n, 200)))
}
