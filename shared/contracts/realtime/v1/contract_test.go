package v1

import (
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "ok", env: Envelope{V: Version, Type: TypeMessage}},
		{name: "missing version", env: Envelope{Type: TypeMessage}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeMessage}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "conversation_join"}, wantErr: true},
	}

	for _, tc := range cases {
		err := tc.env.Validate()
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: Validate()=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestSplitTopic(t *testing.T) {
	t.Parallel()

	kind, owner, ok := SplitTopic(NotificationsTopic("42"))
	if !ok || kind != TopicNotifications || owner != "42" {
		t.Fatalf("SplitTopic: kind=%q owner=%q ok=%v", kind, owner, ok)
	}

	for _, bad := range []string{"", "notifications", "notifications:", ":42"} {
		if _, _, ok := SplitTopic(bad); ok {
			t.Fatalf("SplitTopic(%q): expected !ok", bad)
		}
	}
}

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	env, err := New(TypeSubscribe, "id-1", time.Now().UTC(), SubscribePayload{Topic: StatsTopic("7")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if string(env.Payload) != `{"topic":"notification-stats:7"}` {
		t.Fatalf("unexpected payload: %s", env.Payload)
	}
}
