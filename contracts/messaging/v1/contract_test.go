package v1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func validEnvelope() Envelope {
	return Envelope{
		V:       Version,
		Type:    TypeSetup,
		ID:      "env-1",
		TS:      time.Now().UTC(),
		Payload: json.RawMessage(`{"user_id":"u1"}`),
	}
}

func TestEnvelopeValidate_OK(t *testing.T) {
	if err := validEnvelope().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnvelopeValidate_BadVersion(t *testing.T) {
	e := validEnvelope()
	e.V = 99
	if err := e.Validate(); err == nil || !strings.Contains(err.Error(), "invalid protocol version") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestEnvelopeValidate_UnsupportedType(t *testing.T) {
	e := validEnvelope()
	e.Type = "presence_update"
	if err := e.Validate(); err == nil || !strings.Contains(err.Error(), "unsupported type") {
		t.Fatalf("expected unsupported type error, got %v", err)
	}
}

func TestEnvelopeValidate_MissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Envelope)
		want   string
	}{
		{"no type", func(e *Envelope) { e.Type = "" }, "missing type"},
		{"no id", func(e *Envelope) { e.ID = "" }, "missing id"},
		{"no ts", func(e *Envelope) { e.TS = time.Time{} }, "missing ts"},
		{"no payload", func(e *Envelope) { e.Payload = nil }, "missing payload"},
	}

	for _, tc := range cases {
		e := validEnvelope()
		tc.mutate(&e)
		err := e.Validate()
		if err == nil || err.Error() != tc.want {
			t.Fatalf("%s: got %v want %q", tc.name, err, tc.want)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, err := json.Marshal(SendMessagePayload{
		ToUserID:      "peer-1",
		Text:          "hello",
		CorrelationID: "corr-1",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	e := validEnvelope()
	e.Type = TypeSendMessage
	e.Payload = payload

	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var got Envelope
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("round-tripped envelope invalid: %v", err)
	}

	var p SendMessagePayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.ToUserID != "peer-1" || p.Text != "hello" || p.CorrelationID != "corr-1" {
		t.Fatalf("payload mismatch: %+v", p)
	}
}
