package redact_test

import (
	"errors"
	"testing"

	"github.com/bdobrica/karn/common/redact"
)

func TestString(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		values []string
		want   string
	}{
		{"single", "Authorization: Bearer sk-live-12345 failed", []string{"sk-live-12345"}, "Authorization: Bearer [REDACTED] failed"},
		{"short value ignored", "abc token", []string{"abc"}, "abc token"},
		{"multiple", "pw=hunter2secret tok=syt_xxxx end", []string{"hunter2secret", "syt_xxxx"}, "pw=[REDACTED] tok=[REDACTED] end"},
		{"nothing to do", "plain", nil, "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redact.String(tt.in, tt.values...); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError(t *testing.T) {
	if got := redact.Error(nil, "secret"); got != "" {
		t.Errorf("nil error: got %q", got)
	}
	err := errors.New("POST https://api.example/v1?key=abcd1234: 401")
	if got, want := redact.Error(err, "abcd1234"), "POST https://api.example/v1?key=[REDACTED]: 401"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMap(t *testing.T) {
	in := map[string]any{"location": "Paris", "api_key": "abcd", "count": 3}
	out := redact.Map(in)
	if out["location"] != "Paris" || out["count"] != 3 {
		t.Errorf("non-sensitive values changed: %v", out)
	}
	if out["api_key"] != "[REDACTED]" {
		t.Errorf("api_key: got %v", out["api_key"])
	}
	if in["api_key"] != "abcd" {
		t.Error("input map must not be modified")
	}
}
