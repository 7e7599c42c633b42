package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	t.Setenv("AETHERTERM_BIND_HOST", "127.0.0.1")
	t.Setenv("AETHERTERM_MAX_TERMINALS_PER_HOST", "10")
	t.Setenv("AETHERTERM_REQUEST_TIMEOUT_MS", "2500")
	t.Setenv("AETHERTERM_REQUIRE_TLS", "true")
	t.Setenv("AETHERTERM_SUPERVISOR_URL", "wss://authority.example/bus")

	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	cfg := Load(nil, l)

	if cfg.BindHost != "127.0.0.1" {
		t.Errorf("BindHost = %q", cfg.BindHost)
	}
	if cfg.MaxTerminalsPerHost != 10 {
		t.Errorf("MaxTerminalsPerHost = %d", cfg.MaxTerminalsPerHost)
	}
	if cfg.RequestTimeout != 2500*time.Millisecond {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if !cfg.RequireTLS {
		t.Error("RequireTLS = false, want true")
	}
	if cfg.SupervisorURL != "wss://authority.example/bus" {
		t.Errorf("SupervisorURL = %q", cfg.SupervisorURL)
	}
}

func TestLoadFlagsOverrideBindAddress(t *testing.T) {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	cfg := Load([]string{"-bind-host", "10.0.0.5", "-bind-port", "9999"}, l)

	if cfg.BindHost != "10.0.0.5" {
		t.Errorf("BindHost = %q", cfg.BindHost)
	}
	if cfg.BindPort != 9999 {
		t.Errorf("BindPort = %d", cfg.BindPort)
	}
}

func TestLoadDefaults(t *testing.T) {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	cfg := Load(nil, l)

	if cfg.BindPort != 8787 {
		t.Errorf("BindPort = %d, want default 8787", cfg.BindPort)
	}
	if cfg.OutputRingBytes != 64*1024 {
		t.Errorf("OutputRingBytes = %d", cfg.OutputRingBytes)
	}
}
