package realtime

import (
	"errors"
	"fmt"
)

// Channel error kinds. Callers match them with errors.Is.
var (
	ErrNotConnected    = errors.New("not connected")
	ErrHandshakeFailed = errors.New("handshake failed")
)

// ErrInvalidTopic is returned by Subscribe for topics that are not "kind:owner".
var ErrInvalidTopic = errors.New("realtime: invalid topic")

// ChannelError is returned by Connect and Subscribe.
type ChannelError struct {
	Op   string // connect, subscribe
	Kind error  // ErrNotConnected or ErrHandshakeFailed
	Err  error  // underlying cause, may be nil
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("channel %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("channel %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *ChannelError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
