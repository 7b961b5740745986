package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	configFlag := flag.String("config", "", "session config file (default ~/.chatsync/sessions/<name>/config.toml)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag, os.Getenv)
	if err := session.ValidateName(sessionName); err != nil {
		fatal(err)
	}

	cfg, err := loadConfig(sessionName, *configFlag)
	if err != nil {
		fatal(err)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, Config: cfg}),
	)

	app.Run()
}

// loadConfig layers the session config file, then .env files, then
// CHATSYNC_* variables.
func loadConfig(sessionName, path string) (*config.Session, error) {
	if path == "" {
		path = session.ConfigPath(sessionName)
	}
	if err := config.LoadDotEnv(session.EnvPath(sessionName), ".env"); err != nil {
		return nil, err
	}
	cfg, err := config.LoadSession(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s:\n%w", path, err)
	}
	return cfg, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
