package config

import "testing"

func TestLoadDefaultsPort(t *testing.T) {
	t.Setenv("BRICKD_PORT", "")
	cfg := Load("", false)
	if cfg.Port != DefaultPort {
		t.Fatalf("got port %d, want default %d", cfg.Port, DefaultPort)
	}
	if cfg.Addr() != ":4223" {
		t.Fatalf("got addr %q", cfg.Addr())
	}
}

func TestLoadPortOverride(t *testing.T) {
	t.Setenv("BRICKD_PORT", "9000")
	cfg := Load("", false)
	if cfg.Port != 9000 {
		t.Fatalf("got port %d, want 9000", cfg.Port)
	}
}

func TestLoadIgnoresInvalidPort(t *testing.T) {
	t.Setenv("BRICKD_PORT", "not-a-number")
	cfg := Load("", false)
	if cfg.Port != DefaultPort {
		t.Fatalf("got port %d, want default on invalid override", cfg.Port)
	}
}

func TestLoadLogAndPIDFileOverrides(t *testing.T) {
	t.Setenv("BRICKD_LOG_FILE", "/tmp/custom-brickd.log")
	t.Setenv("BRICKD_PID_FILE", "/tmp/custom-brickd.pid")
	cfg := Load("", false)
	if cfg.LogFile != "/tmp/custom-brickd.log" {
		t.Fatalf("got log file %q", cfg.LogFile)
	}
	if cfg.PIDFile != "/tmp/custom-brickd.pid" {
		t.Fatalf("got pid file %q", cfg.PIDFile)
	}
}

func TestLoadCarriesHTTPAddrAndNoDaemonThrough(t *testing.T) {
	cfg := Load(":8080", true)
	if cfg.HTTPAddr != ":8080" || !cfg.NoDaemon {
		t.Fatalf("flags not threaded through: %+v", cfg)
	}
}
