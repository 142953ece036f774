package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/attia12/stage-mouna/shared/contracts/realtime/v1"

	"github.com/attia12/stage-mouna/cmd/internal/ids"
)

// NewEnvelope builds a v1 envelope with a ULID id.
func NewEnvelope(typ string, payload any, now time.Time) (v1.Envelope, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return v1.New(typ, ids.MustULID(now), now, payload)
}

// ReadEnvelope reads one frame and decodes it. Malformed JSON is reported as
// a json or time parse error so ClassifyReadErr can tell
// it apart from transport failures.
func ReadEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

// WriteEnvelope writes env as a text frame, bounded by timeout.
func WriteEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ReadErrKind classifies ReadEnvelope failures.
type ReadErrKind uint8

const (
	ReadErrUnknown ReadErrKind = iota
	ReadErrClose
	ReadErrCtxDone
	ReadErrConnClosed
	ReadErrBadJSON
)

// ClassifyReadErr maps a ReadEnvelope error to a ReadErrKind.
func ClassifyReadErr(err error) ReadErrKind {
	if websocket.CloseStatus(err) != -1 {
		return ReadErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReadErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return ReadErrConnClosed
	}
	var se *json.SyntaxError
	var te *json.UnmarshalTypeError
	var pe *time.ParseError
	if errors.As(err, &se) || errors.As(err, &te) || errors.As(err, &pe) {
		return ReadErrBadJSON
	}
	return ReadErrUnknown
}
