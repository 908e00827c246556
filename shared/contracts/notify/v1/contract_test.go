package v1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	ok := Envelope{V: Version, Type: TypeNotice, ID: "e1", TS: time.Now().UTC(), Payload: json.RawMessage(`{}`)}

	cases := []struct {
		name    string
		mutate  func(e *Envelope)
		wantErr string
	}{
		{name: "valid", mutate: func(*Envelope) {}},
		{name: "version", mutate: func(e *Envelope) { e.V = 2 }, wantErr: "invalid protocol version"},
		{name: "missing type", mutate: func(e *Envelope) { e.Type = "" }, wantErr: "missing type"},
		{name: "unknown type", mutate: func(e *Envelope) { e.Type = "message.send" }, wantErr: "unsupported type"},
		{name: "missing id", mutate: func(e *Envelope) { e.ID = "" }, wantErr: "missing id"},
		{name: "missing ts", mutate: func(e *Envelope) { e.TS = time.Time{} }, wantErr: "missing ts"},
		{name: "missing payload", mutate: func(e *Envelope) { e.Payload = nil }, wantErr: "missing payload"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := ok
			tc.mutate(&env)
			err := env.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
