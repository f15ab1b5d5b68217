package config

import (
	"strings"
	"testing"
	"time"
)

func FuzzEnvOrDefault(f *testing.F) {
	f.Add("", ":8080")
	f.Add("  :9090  ", ":8080")

	f.Fuzz(func(t *testing.T, value, fallback string) {
		if strings.ContainsRune(value, '\x00') {
			t.Skip()
		}

		const key = "COMPATZ_TEST_ENV_OR_DEFAULT"
		t.Setenv(key, value)

		got := envOrDefault(key, fallback)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if got != fallback {
				t.Fatalf("envOrDefault() = %q, want fallback %q", got, fallback)
			}
			return
		}

		if got != trimmed {
			t.Fatalf("envOrDefault() = %q, want trimmed value %q", got, trimmed)
		}
	})
}

func FuzzPositiveDuration(f *testing.F) {
	f.Add("")
	f.Add("1s")
	f.Add("0s")
	f.Add("-1s")
	f.Add("not-a-duration")

	f.Fuzz(func(t *testing.T, value string) {
		if strings.ContainsRune(value, '\x00') {
			t.Skip()
		}

		const key = "COMPATZ_TEST_DURATION"
		t.Setenv(key, value)

		got, err := positiveDuration(key, time.Minute)
		if err != nil {
			return
		}
		if got <= 0 {
			t.Fatalf("positiveDuration(%q) = %v, want > 0", value, got)
		}
		if strings.TrimSpace(value) == "" && got != time.Minute {
			t.Fatalf("positiveDuration(%q) = %v, want fallback", value, got)
		}
	})
}
