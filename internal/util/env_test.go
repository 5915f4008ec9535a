package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("BOTPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("BOTPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 30 * time.Second},
		{"45s", 45 * time.Second},
		{"24h", 24 * time.Hour},
		{"90", 90 * time.Second},
		{"soon", 30 * time.Second},
		{"-5m", 30 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv("BOTPIPE_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("BOTPIPE_TEST_DURATION", 30*time.Second); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("BOTPIPE_TEST_INT", "12")
	if got := ParseIntEnv("BOTPIPE_TEST_INT", 3); got != 12 {
		t.Errorf("ParseIntEnv = %d, want 12", got)
	}
	t.Setenv("BOTPIPE_TEST_INT", "twelve")
	if got := ParseIntEnv("BOTPIPE_TEST_INT", 3); got != 3 {
		t.Errorf("ParseIntEnv invalid = %d, want default 3", got)
	}
}
