package main

import (
	"log/slog"
	"os"
	"os/user"
)

// Config holds the broker's runtime configuration, built from
// environment variables and then overridden by CLI flags — the same
// envOr/applyFlags shape cmd/mcplexer uses, generalized from
// MCPLEXER_* variables to LM_TOOLS_BRIDGE_* ones (SPEC_FULL.md §6's
// CLI surface).
type Config struct {
	Pipe     string // --pipe <name>; overrides the hashed control-port seed
	HTTPPort int    // --http-port <n>; default 47100
	LogFile  string // LM_TOOLS_BRIDGE_MANAGER_LOG
	LogLevel slog.Level
}

const defaultHTTPPort = 47100

func loadConfig() *Config {
	return &Config{
		Pipe:     envOr("LM_TOOLS_BRIDGE_PIPE", defaultPipeName()),
		HTTPPort: defaultHTTPPort,
		LogFile:  envOr("LM_TOOLS_BRIDGE_MANAGER_LOG", ""),
		LogLevel: parseLogLevel(envOr("LM_TOOLS_BRIDGE_LOG_LEVEL", "info")),
	}
}

// defaultPipeName seeds the control-plane port hash from the OS
// username, falling back to a fixed name if it can't be resolved
// (e.g. running in a minimal container with no /etc/passwd entry).
func defaultPipeName() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "lmtoolsbridge"
	}
	return u.Username
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// applyFlags parses --pipe and --http-port from args, accepting both
// "--flag value" and "--flag=value" forms.
func applyFlags(cfg *Config, args []string) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--pipe" && i+1 < len(args):
			i++
			cfg.Pipe = args[i]
		case len(arg) > 7 && arg[:7] == "--pipe=":
			cfg.Pipe = arg[7:]
		case arg == "--http-port" && i+1 < len(args):
			i++
			cfg.HTTPPort = atoiOr(args[i], cfg.HTTPPort)
		case len(arg) > 12 && arg[:12] == "--http-port=":
			cfg.HTTPPort = atoiOr(arg[12:], cfg.HTTPPort)
		}
	}
}

func atoiOr(s string, fallback int) int {
	n := 0
	if s == "" {
		return fallback
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	return n
}
