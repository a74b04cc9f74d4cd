// Package config resolves the daemon's runtime paths and network settings
// the way original_source/src/brickd/brickd_linux.py does: environment
// variables first, then system-wide defaults when running as root, then XDG
// locations, then a dotfile directory under the user's home.
package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// DefaultPort is brickd's well-known TCP port (original_source/config.py).
const DefaultPort = 4223

// Config holds every path and setting the daemon needs before it can start
// listening.
type Config struct {
	Port       int
	LogFile    string
	PIDFile    string
	HTTPAddr   string // empty disables internal/statusapi
	NoDaemon   bool
}

// Load resolves configuration from the environment. httpAddr and noDaemon
// come from CLI flags in cmd/brickd and are threaded straight through —
// they have no environment-variable form.
func Load(httpAddr string, noDaemon bool) Config {
	cfg := Config{
		Port:     DefaultPort,
		LogFile:  resolveLogFile(),
		PIDFile:  resolvePIDFile(),
		HTTPAddr: httpAddr,
		NoDaemon: noDaemon,
	}
	if port := os.Getenv("BRICKD_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil && n > 0 && n < 65536 {
			cfg.Port = n
		}
	}
	if logFile := os.Getenv("BRICKD_LOG_FILE"); logFile != "" {
		cfg.LogFile = logFile
	}
	if pidFile := os.Getenv("BRICKD_PID_FILE"); pidFile != "" {
		cfg.PIDFile = pidFile
	}
	return cfg
}

// resolveLogFile mirrors brickd_linux.py's LOG_FILENAME resolution:
// BRICKD_DATA_DIR, then XDG_DATA_HOME, then a dotfile under the user's home,
// with /var/log reserved for when the daemon actually runs as root.
func resolveLogFile() string {
	if dir := os.Getenv("BRICKD_DATA_DIR"); dir != "" {
		return filepath.Join(dir, "brickd.log")
	}
	if os.Geteuid() == 0 {
		return "/var/log/brickd.log"
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "brickd.log")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "brickd.log"
	}
	return filepath.Join(home, ".brickd", "brickd.log")
}

// resolvePIDFile mirrors brickd_linux.py's PID_FILENAME resolution:
// BRICKD_RUNTIME_DIR, then XDG_RUNTIME_DIR, then a dotfile under home, with
// /var/run reserved for root.
func resolvePIDFile() string {
	if dir := os.Getenv("BRICKD_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "brickd.pid")
	}
	if os.Geteuid() == 0 {
		return "/var/run/brickd.pid"
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "brickd.pid")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "brickd.pid"
	}
	return filepath.Join(home, ".brickd", "brickd.pid")
}

// Addr returns the TCP listen address for the frame protocol server.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}
