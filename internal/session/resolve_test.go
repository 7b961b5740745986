package session

import (
	"errors"
	"strings"
	"testing"

	"github.com/matheus3301/chatsync/internal/config"
)

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	noEnv := func(string) string { return "" }

	if got := Resolve("", noEnv); got != DefaultSessionName {
		t.Errorf("Resolve() = %q, want %q", got, DefaultSessionName)
	}
	if err := config.Save(GlobalConfigPath(), &config.Global{DefaultSession: "work"}); err != nil {
		t.Fatal(err)
	}
	if got := Resolve("", noEnv); got != "work" {
		t.Errorf("Resolve() with config = %q, want work", got)
	}
	env := func(k string) string {
		if k == "CHATSYNC_SESSION" {
			return "env"
		}
		return ""
	}
	if got := Resolve("", env); got != "env" {
		t.Errorf("Resolve() with env = %q, want env", got)
	}
	if got := Resolve("flag", env); got != "flag" {
		t.Errorf("Resolve(flag) = %q, want flag", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		input string
		ok    bool
	}{
		{"main", true},
		{"work-2", true},
		{"team_a", true},
		{"0", true},
		{strings.Repeat("a", 32), true},
		{strings.Repeat("a", 33), false},
		{"", false},
		{"-main", false},
		{"_main", false},
		{"Main", false},
		{"my session", false},
		{"../main", false},
		{"a.b", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.ok && err != nil {
				t.Fatalf("ValidateName(%q) = %v", tt.input, err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidName) {
				t.Fatalf("ValidateName(%q) = %v, want ErrInvalidName", tt.input, err)
			}
		})
	}
}
