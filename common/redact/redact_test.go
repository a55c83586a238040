package redact_test

import (
	"testing"

	"github.com/naamasharir/tlv500-assistant/common/redact"
)

func TestString(t *testing.T) {
	got := redact.String("Authorization: Bearer ya29.secret-token done", "ya29.secret-token")
	want := "Authorization: Bearer [REDACTED] done"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestStringMultipleValues(t *testing.T) {
	got := redact.String("token=abcd1234 key=efgh5678", "abcd1234", "efgh5678")
	want := "token=[REDACTED] key=[REDACTED]"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// Values shorter than 4 characters are skipped so that common substrings are
// not blanked out of otherwise useful log lines.
func TestStringSkipsShortValues(t *testing.T) {
	got := redact.String("row a1 updated", "a1")
	if got != "row a1 updated" {
		t.Errorf("short value should not be redacted, got %q", got)
	}
}

func TestMap(t *testing.T) {
	in := map[string]any{
		"accessToken": "ya29.something",
		"sheetName":   "Q3 Forecast",
		"changeCount": 4,
	}
	out := redact.Map(in)

	if out["accessToken"] != "[REDACTED]" {
		t.Errorf("accessToken not redacted: %v", out["accessToken"])
	}
	if out["sheetName"] != "Q3 Forecast" {
		t.Errorf("sheetName should be untouched: %v", out["sheetName"])
	}
	if out["changeCount"] != 4 {
		t.Errorf("non-string value should be untouched: %v", out["changeCount"])
	}
}

func TestMapLeavesEmptySecrets(t *testing.T) {
	out := redact.Map(map[string]any{"apiKey": ""})
	if out["apiKey"] != "" {
		t.Errorf("empty secret should stay empty, got %v", out["apiKey"])
	}
}
