// Package config loads the kage.cfg settings file.
package config

import (
	"bufio"
	"log/slog"
	"os"
	"strings"
)

// Config holds the settings read once at startup.
type Config struct {
	// DiscordWebhook receives lobby presence notifications when set.
	DiscordWebhook string
	// Netdump enables per-room traffic capture files.
	Netdump bool
}

// Default returns the built-in settings: no webhook, no captures.
func Default() Config {
	return Config{}
}

// Load reads a file of KEY=VALUE or KEY:VALUE lines; '#' starts a
// comment. A missing file or a malformed line is logged and skipped,
// startup always proceeds with whatever was read.
func Load(path string) Config {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		slog.Warn("config file not found, using defaults", "path", path, "error", err)
		return cfg
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pos := strings.IndexAny(line, "=:")
		if pos < 0 {
			slog.Error("config file syntax error", "path", path, "line", line)
			continue
		}
		key := strings.TrimSpace(line[:pos])
		value := strings.TrimSpace(line[pos+1:])
		switch key {
		case "DISCORD_WEBHOOK":
			cfg.DiscordWebhook = value
		case "NETDUMP":
			switch strings.ToLower(value) {
			case "1", "true", "yes", "on":
				cfg.Netdump = true
			case "0", "false", "no", "off":
				cfg.Netdump = false
			default:
				slog.Warn("config value is not a boolean", "key", key, "value", value)
			}
		default:
			slog.Warn("unknown config key", "key", key)
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("config file read failed", "path", path, "error", err)
	}
	return cfg
}
