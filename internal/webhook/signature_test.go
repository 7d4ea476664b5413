package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/config"
)

// sign computes the header Bitbucket sends for body under secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"pullrequest":{}}`)
	secret := "topsecret"
	good := sign(secret, body)

	tests := []struct {
		name    string
		header  string
		body    []byte
		wantErr error
	}{
		{"valid", good, body, nil},
		{"valid with whitespace", "  " + good + " ", body, nil},
		{"missing", "", body, ErrMissingSignature},
		{"wrong prefix", "sha1=" + good[len("sha256="):], body, ErrInvalidSignature},
		{"not hex", "sha256=zzzz", body, ErrInvalidSignature},
		{"tampered body", good, []byte(`{"pullrequest":{"x":1}}`), ErrInvalidSignature},
		{"other secret", sign("other", body), body, ErrInvalidSignature},
		{"truncated", good[:len(good)-2], body, ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(secret, tt.body, tt.header)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifySignature() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventAccepted(t *testing.T) {
	tests := []struct {
		mode  string
		event string
		want  bool
	}{
		{config.EventFilterCreated, EventPRCreated, true},
		{config.EventFilterCreated, EventPRUpdated, false},
		{config.EventFilterAll, EventPRCreated, true},
		{config.EventFilterAll, EventPRUpdated, true},
		{config.EventFilterAll, "pullrequest:fulfilled", false},
		{config.EventFilterAll, "", false},
	}
	for _, tt := range tests {
		if got := EventAccepted(tt.mode, tt.event); got != tt.want {
			t.Errorf("EventAccepted(%q, %q) = %v, want %v", tt.mode, tt.event, got, tt.want)
		}
	}
}
