package devserver

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attia12/stage-mouna/cmd/internal/notify"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

var errNotificationNotFound = errors.New("notification not found")

// notificationStore keeps one copy of every notification per recipient, so
// read state is tracked per user.
type notificationStore struct {
	mu      sync.RWMutex
	byOwner map[string][]*notify.Notification
}

func newNotificationStore() *notificationStore {
	return &notificationStore{byOwner: make(map[string][]*notify.Notification)}
}

// add stores a copy of n for each recipient and returns the copies by recipient.
func (s *notificationStore) add(in notify.CreateRequest, creator *user, now time.Time) map[string]notify.Notification {
	out := make(map[string]notify.Notification, len(in.RecipientIDs))

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rid := range in.RecipientIDs {
		if _, dup := out[rid]; dup {
			continue
		}
		n := &notify.Notification{
			ID:           uuid.NewString(),
			Type:         in.Type,
			Priority:     in.Priority,
			Message:      strings.TrimSpace(in.Message),
			Status:       notify.StatusUnread,
			CreatedAt:    now,
			SentBySystem: in.SentBySystem || creator == nil,
			CreatorName:  "System",
		}
		if creator != nil && !in.SentBySystem {
			id := creator.ID
			n.CreatedByID = &id
			n.CreatorName = creator.displayName()
		}
		s.byOwner[rid] = append(s.byOwner[rid], n)
		out[rid] = *n
	}
	return out
}

func (s *notificationStore) markRead(owner, id string, now time.Time) (notify.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.byOwner[owner] {
		if n.ID != id {
			continue
		}
		if n.Status != notify.StatusRead {
			t := now
			n.Status = notify.StatusRead
			n.ReadAt = &t
		}
		return *n, nil
	}
	return notify.Notification{}, errNotificationNotFound
}

func (s *notificationStore) markAllRead(owner string, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, n := range s.byOwner[owner] {
		if n.Status == notify.StatusRead {
			continue
		}
		t := now
		n.Status = notify.StatusRead
		n.ReadAt = &t
		changed++
	}
	return changed
}

func (s *notificationStore) stats(owner string) notify.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st notify.Stats
	for _, n := range s.byOwner[owner] {
		st.TotalNotifications++
		if n.Status == notify.StatusRead {
			st.ReadCount++
			continue
		}
		st.UnreadCount++
		if n.Priority == notify.PriorityUrgent {
			st.UrgentUnreadCount++
		}
	}
	return st
}

func (s *notificationStore) list(owner string, f notify.Filter) notify.Page {
	s.mu.RLock()
	matched := make([]notify.Notification, 0, len(s.byOwner[owner]))
	for _, n := range s.byOwner[owner] {
		if matches(*n, f) {
			matched = append(matched, *n)
		}
	}
	s.mu.RUnlock()

	sortNotifications(matched, f.SortBy, f.SortDirection)
	return paginate(matched, f.Page, f.Size)
}

func matches(n notify.Notification, f notify.Filter) bool {
	switch {
	case f.Status != "" && n.Status != f.Status:
		return false
	case f.Type != "" && n.Type != f.Type:
		return false
	case f.Priority != "" && n.Priority != f.Priority:
		return false
	case !f.StartDate.IsZero() && n.CreatedAt.Before(f.StartDate):
		return false
	case !f.EndDate.IsZero() && n.CreatedAt.After(f.EndDate):
		return false
	}
	return true
}

var priorityRank = map[notify.Priority]int{
	notify.PriorityLow:    0,
	notify.PriorityNormal: 1,
	notify.PriorityUrgent: 2,
}

func sortNotifications(ns []notify.Notification, by, dir string) {
	desc := !strings.EqualFold(dir, "ASC")
	slices.SortStableFunc(ns, func(a, b notify.Notification) int {
		var c int
		switch by {
		case "priority":
			c = priorityRank[a.Priority] - priorityRank[b.Priority]
		case "type":
			c = strings.Compare(string(a.Type), string(b.Type))
		case "status":
			c = strings.Compare(string(a.Status), string(b.Status))
		default:
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		if desc {
			return -c
		}
		return c
	})
}

func paginate(all []notify.Notification, page, size int) notify.Page {
	if size <= 0 {
		size = defaultPageSize
	}
	if page < 0 {
		page = 0
	}
	total := len(all)
	pages := (total + size - 1) / size

	start := min(page*size, total)
	end := min(start+size, total)
	content := all[start:end]

	return notify.Page{
		Content:       content,
		TotalElements: int64(total),
		TotalPages:    pages,
		Size:          size,
		Number:        page,
		First:         page == 0,
		Last:          page >= pages-1,
		Empty:         len(content) == 0,
	}
}

// parseFilter is the server side of notify.Filter.Query.
func parseFilter(q url.Values) (notify.Filter, error) {
	var f notify.Filter

	if v := q.Get("status"); v != "" {
		f.Status = notify.Status(strings.ToUpper(v))
		if !f.Status.Valid() {
			return f, fmt.Errorf("invalid status %q", v)
		}
	}
	if v := q.Get("type"); v != "" {
		f.Type = notify.Type(strings.ToUpper(v))
		if !f.Type.Valid() {
			return f, fmt.Errorf("invalid type %q", v)
		}
	}
	if v := q.Get("priority"); v != "" {
		f.Priority = notify.Priority(strings.ToUpper(v))
		if !f.Priority.Valid() {
			return f, fmt.Errorf("invalid priority %q", v)
		}
	}
	for key, dst := range map[string]*time.Time{"startDate": &f.StartDate, "endDate": &f.EndDate} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("invalid %s %q", key, v)
			}
			*dst = t
		}
	}
	for key, dst := range map[string]*int{"page": &f.Page, "size": &f.Size} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, fmt.Errorf("invalid %s %q", key, v)
			}
			*dst = n
		}
	}
	if f.Size > maxPageSize {
		f.Size = maxPageSize
	}
	switch v := q.Get("sortBy"); v {
	case "", "createdAt", "priority", "type", "status":
		f.SortBy = v
	default:
		return f, fmt.Errorf("invalid sortBy %q", v)
	}
	switch v := strings.ToUpper(q.Get("sortDirection")); v {
	case "", "ASC", "DESC":
		f.SortDirection = v
	default:
		return f, fmt.Errorf("invalid sortDirection %q", v)
	}
	return f, nil
}
