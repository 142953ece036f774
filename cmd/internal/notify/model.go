package notify

import (
	"net/url"
	"strconv"
	"time"
)

// Type is the notification category.
type Type string

const (
	TypeAlert Type = "ALERT"
	TypeTask  Type = "TASK"
	TypeInfo  Type = "INFO"
)

// Priority drives presentation.
type Priority string

const (
	PriorityUrgent Priority = "URGENT"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Status is server-owned; the client only reflects it.
type Status string

const (
	StatusRead   Status = "READ"
	StatusUnread Status = "UNREAD"
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool { return t == TypeAlert || t == TypeTask || t == TypeInfo }

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityUrgent || p == PriorityNormal || p == PriorityLow
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s == StatusRead || s == StatusUnread }

// Notification is immutable once received.
type Notification struct {
	ID           string     `json:"id"`
	Type         Type       `json:"type"`
	Priority     Priority   `json:"priority"`
	Message      string     `json:"message"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	ReadAt       *time.Time `json:"readAt,omitempty"`
	SentBySystem bool       `json:"sentBySystem"`
	CreatorName  string     `json:"creatorName"`
	CreatedByID  *string    `json:"createdById,omitempty"`
}

// Stats is a server-computed projection. It is always re-fetched, never derived locally.
type Stats struct {
	TotalNotifications int64 `json:"totalNotifications"`
	UnreadCount        int64 `json:"unreadCount"`
	ReadCount          int64 `json:"readCount"`
	UrgentUnreadCount  int64 `json:"urgentUnreadCount"`
}

// CreateRequest is the body of POST /notifications.
type CreateRequest struct {
	Type         Type     `json:"type"`
	Priority     Priority `json:"priority"`
	Message      string   `json:"message"`
	RecipientIDs []string `json:"recipientIds"`
	SentBySystem bool     `json:"sentBySystem,omitempty"`
}

// Filter narrows GET /notifications. Zero fields are not sent.
type Filter struct {
	Status        Status
	Type          Type
	Priority      Priority
	StartDate     time.Time
	EndDate       time.Time
	Page          int
	Size          int
	SortBy        string
	SortDirection string // ASC or DESC
}

// Query encodes f as URL query parameters.
func (f Filter) Query() url.Values {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	if f.Priority != "" {
		q.Set("priority", string(f.Priority))
	}
	if !f.StartDate.IsZero() {
		q.Set("startDate", f.StartDate.UTC().Format(time.RFC3339))
	}
	if !f.EndDate.IsZero() {
		q.Set("endDate", f.EndDate.UTC().Format(time.RFC3339))
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.Size > 0 {
		q.Set("size", strconv.Itoa(f.Size))
	}
	if f.SortBy != "" {
		q.Set("sortBy", f.SortBy)
	}
	if f.SortDirection != "" {
		q.Set("sortDirection", f.SortDirection)
	}
	return q
}

// Page is one page of notifications.
type Page struct {
	Content       []Notification `json:"content"`
	TotalElements int64          `json:"totalElements"`
	TotalPages    int            `json:"totalPages"`
	Size          int            `json:"size"`
	Number        int            `json:"number"`
	First         bool           `json:"first"`
	Last          bool           `json:"last"`
	Empty         bool           `json:"empty"`
}
