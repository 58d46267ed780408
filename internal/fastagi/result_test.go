package fastagi

import (
	"errors"
	"testing"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Result
	}{
		{"plain result", "200 result=1", Result{Code: 1}},
		{"negative result", "200 result=-1", Result{Code: -1}},
		{"failed playback", "200 result=0 endpos=0", Result{Code: failCode}},
		{"playback ran", "200 result=0 endpos=12000", Result{Code: 0}},
		{"interrupted playback", "200 result=53 endpos=4000", Result{Code: 53}},
		{"variable value", "200 result=1 (hello world)", Result{Code: 1, Rest: "(hello world)"}},
		{"unset variable", "200 result=0", Result{Code: 0}},
		{"permission error", "511 Command Not Permitted", Result{Code: failCode}},
		{"bare status", "200", Result{Code: failCode}},
		{"garbage", "whatever", Result{Code: failCode}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseReply("TEST", tc.line)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("parseReply(%q) = %+v, want %+v", tc.line, got, tc.want)
			}
		})
	}
}

func TestParseReplyInvalidCommand(t *testing.T) {
	_, err := parseReply("BOGUS", "510 Invalid or unknown command")
	var agiErr *AGIError
	if !errors.As(err, &agiErr) {
		t.Fatalf("err = %v, want *AGIError", err)
	}
	if agiErr.Command != "BOGUS" {
		t.Errorf("Command = %q, want BOGUS", agiErr.Command)
	}
	if agiErr.Message != "Invalid or unknown command" {
		t.Errorf("Message = %q", agiErr.Message)
	}
}

func TestDTMFDigit(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{42, "*"},
		{35, "#"},
		{48, "0"},
		{49, "1"},
		{57, "9"},
		{0, "0"},
	}
	for _, tc := range tests {
		if got := dtmfDigit(tc.code); got != tc.want {
			t.Errorf("dtmfDigit(%d) = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestResultFailed(t *testing.T) {
	if (Result{Code: 0}).Failed() {
		t.Error("zero result should not be failed")
	}
	if !(Result{Code: failCode}).Failed() {
		t.Error("failCode result should be failed")
	}
}
