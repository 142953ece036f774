package notify

import (
	"strings"
	"time"
)

// Level is the toast severity.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// DefaultToastTimeout applies to every non-urgent notification.
const DefaultToastTimeout = 5 * time.Second

// Presentation is the policy handed to a Presenter. Urgent notifications are
// flagged AutoDismiss=false; honoring the flag is the presenter's job.
type Presentation struct {
	Level       Level
	Title       string
	Message     string
	Timeout     time.Duration // 0 means stay until dismissed
	AutoDismiss bool
	Sound       bool
}

// Presenter shows a notification to the user (toast, sound, terminal line).
type Presenter interface {
	Present(n Notification, p Presentation)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(Notification, Presentation)

// Present calls f.
func (f PresenterFunc) Present(n Notification, p Presentation) { f(n, p) }

// PresentationFor maps a notification to its presentation policy.
func PresentationFor(n Notification) Presentation {
	p := Presentation{
		Level:       LevelInfo,
		Title:       "New " + string(n.Type),
		Message:     n.Message,
		Timeout:     DefaultToastTimeout,
		AutoDismiss: true,
		Sound:       true,
	}
	switch n.Priority {
	case PriorityUrgent:
		p.Level = LevelError
		p.Timeout = 0
		p.AutoDismiss = false
	case PriorityNormal:
		p.Level = LevelWarning
	}
	return p
}

// Badge is the display class for a priority.
func Badge(p Priority) string {
	switch p {
	case PriorityUrgent:
		return "danger"
	case PriorityNormal:
		return "warning"
	case PriorityLow:
		return "success"
	default:
		return "secondary"
	}
}

// Icon picks the glyph for n. Urgency wins over type.
func Icon(n Notification) string {
	switch {
	case n.Priority == PriorityUrgent:
		return "!!"
	case n.Type == TypeAlert:
		return "(!)"
	case n.Type == TypeTask:
		return "[ ]"
	default:
		return "(i)"
	}
}

// systemSources is checked in order; the first keyword hit wins.
var systemSources = []struct {
	keywords []string
	source   string
}{
	{[]string{"panne", "machine"}, "Machine Monitoring System"},
	{[]string{"maintenance"}, "Maintenance Scheduler"},
	{[]string{"production"}, "Production Monitor"},
	{[]string{"tâche", "task"}, "Task Management System"},
	{[]string{"shift", "équipe"}, "Shift Manager"},
}

// SystemSource guesses which automated system produced a system notification
// from keywords in its message.
func SystemSource(message string) string {
	m := strings.ToLower(message)
	for _, s := range systemSources {
		for _, k := range s.keywords {
			if strings.Contains(m, k) {
				return s.source
			}
		}
	}
	return "Automated System"
}
