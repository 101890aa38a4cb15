package session

import "github.com/matheus3301/parley/internal/config"

// DefaultSessionName is used when neither the flag nor the config names one.
const DefaultSessionName = "main"

// Resolve picks the session to run: an explicit --session flag wins, then
// default_session from config.toml, then DefaultSessionName. A config that
// is missing or unreadable falls through to the default so a fresh install
// still boots.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
