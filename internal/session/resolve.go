package session

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/matheus3301/chatsync/internal/config"
)

const DefaultSessionName = "main"

// ErrInvalidName is returned for names that cannot be used as a session directory.
var ErrInvalidName = errors.New("invalid session name")

// Names end up inside the daemon socket path, which unix limits to ~104 bytes.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. CHATSYNC_SESSION
// 3. config.toml default_session
// 4. "main"
func Resolve(flagOverride string, getenv func(string) string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if v := getenv("CHATSYNC_SESSION"); v != "" {
		return v
	}
	cfg, err := config.LoadGlobal(GlobalConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: lowercase letters, digits, '-' and '_', starting with a letter or digit, at most 32", ErrInvalidName, name)
	}
	return nil
}
