package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue bool
		want         bool
	}{
		{"unset uses default", "", true, true},
		{"true", "true", false, true},
		{"one", "1", false, true},
		{"yes mixed case", "Yes", false, true},
		{"on with spaces", " on ", false, true},
		{"false", "false", true, false},
		{"zero", "0", true, false},
		{"off", "off", true, false},
		{"garbage uses default", "maybe", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv("CAREPIPE_TEST_BOOL", tt.value)
			}
			if got := ParseBoolEnv("CAREPIPE_TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue time.Duration
		want         time.Duration
	}{
		{"unset uses default", "", 30 * time.Second, 30 * time.Second},
		{"seconds", "45s", 30 * time.Second, 45 * time.Second},
		{"minutes with spaces", " 5m ", 30 * time.Second, 5 * time.Minute},
		{"garbage uses default", "soon", 30 * time.Second, 30 * time.Second},
		{"bare number uses default", "10", 30 * time.Second, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv("CAREPIPE_TEST_DURATION", tt.value)
			}
			if got := ParseDurationEnv("CAREPIPE_TEST_DURATION", tt.defaultValue); got != tt.want {
				t.Errorf("ParseDurationEnv(%q, %v) = %v, want %v", tt.value, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestGetenvDefault(t *testing.T) {
	if got := GetenvDefault("CAREPIPE_TEST_UNSET", "/var/lib/carepipe"); got != "/var/lib/carepipe" {
		t.Errorf("GetenvDefault() = %v, want default", got)
	}

	t.Setenv("CAREPIPE_TEST_SET", "/tmp/state")
	if got := GetenvDefault("CAREPIPE_TEST_SET", "/var/lib/carepipe"); got != "/tmp/state" {
		t.Errorf("GetenvDefault() = %v, want /tmp/state", got)
	}
}
