package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BROKER_APP_KEY", "test-key")
	t.Setenv("BROKER_APP_SECRET", "test-secret")
	t.Setenv("CONFIG_FILE", "")
}

func TestLoadFromEnvDefaults(t *testing.T) {
	setBaseEnv(t)
	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.MaxTranches != 5 {
		t.Fatalf("maxTranches = %d", s.MaxTranches)
	}
	if s.CycleInterval != 5*time.Minute {
		t.Fatalf("cycle = %v", s.CycleInterval)
	}
	if s.Exit.FirstThreshold != 12 || s.Exit.FirstRatio != 0.4 {
		t.Fatalf("exit defaults wrong: %+v", s.Exit)
	}
	if s.StopLoss.ThresholdOneOpen != -18 || s.StopLoss.ThresholdManyOpen != -28 {
		t.Fatalf("stop defaults wrong: %+v", s.StopLoss)
	}
	if len(s.Emergency.RecoveryThresholds) != 5 {
		t.Fatalf("recovery thresholds: %v", s.Emergency.RecoveryThresholds)
	}
	if s.Entry.BaseDrops[2] != 0.045 || s.Entry.BaseDrops[5] != 0.085 {
		t.Fatalf("base drops wrong: %v", s.Entry.BaseDrops)
	}
}

func TestMissingCredentialsFail(t *testing.T) {
	t.Setenv("BROKER_APP_KEY", "")
	t.Setenv("BROKER_APP_SECRET", "")
	t.Setenv("CONFIG_FILE", "")
	if _, err := Load(); err == nil {
		t.Fatal("missing credentials must fail")
	}
}

func TestEnvOverridesInstruments(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("INSTRUMENTS", "005930,000660")
	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(s.Instruments) != 2 || s.Instruments[0] != "005930" {
		t.Fatalf("instruments = %v", s.Instruments)
	}
}

func TestLoadFromYAML(t *testing.T) {
	setBaseEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
api:
  brokerURL: https://broker.example.com
trading:
  instruments: ["005930"]
  maxTranches: 3
  dryRun: true
exit:
  firstThreshold: 15
  firstRatio: 0.5
system:
  dataPath: /tmp/splitbot
  cycleInterval: 10m
  metricsPort: 9090
  restTimeout: 15s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.MaxTranches != 3 || !s.DryRun {
		t.Fatalf("trading section lost: %+v", s)
	}
	if s.Exit.FirstThreshold != 15 || s.Exit.FirstRatio != 0.5 {
		t.Fatalf("exit overrides lost: %+v", s.Exit)
	}
	// Unset values still pick up defaults.
	if s.Exit.SecondThreshold != 20 {
		t.Fatalf("default not applied: %v", s.Exit.SecondThreshold)
	}
	if s.CycleInterval != 10*time.Minute || s.MetricsPort != 9090 {
		t.Fatalf("system section lost: cycle=%v port=%d", s.CycleInterval, s.MetricsPort)
	}
}

func TestYAMLDurationStrings(t *testing.T) {
	setBaseEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
api:
  brokerURL: https://broker.example.com
trading:
  instruments: ["005930"]
emergency:
  losingCloseWindow: 12h
orders:
  fillTimeout: 2m
  pollInterval: 5s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Emergency.LosingCloseWindow != 12*time.Hour {
		t.Fatalf("losing close window = %v", s.Emergency.LosingCloseWindow)
	}
	if s.Orders.FillTimeout != 2*time.Minute || s.Orders.PollInterval != 5*time.Second {
		t.Fatalf("order durations lost: %+v", s.Orders)
	}
	// Unset durations pick up defaults.
	if s.Orders.PendingExpiry != 20*time.Minute || s.Emergency.FallbackAfter != 24*time.Hour {
		t.Fatalf("duration defaults not applied: %+v %+v", s.Orders, s.Emergency)
	}
}

func TestBadRecoveryThresholdsRejected(t *testing.T) {
	setBaseEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
api:
  brokerURL: https://broker.example.com
trading:
  instruments: ["005930"]
emergency:
  recoveryThresholds: [0.4, 0.3, 0.2, 0.1, 0.05]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Fatal("descending recovery thresholds must be rejected")
	}
}

func TestForInstrumentFallbacks(t *testing.T) {
	setBaseEnv(t)
	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ic := s.ForInstrument("unknown")
	if ic.Name != "unknown" {
		t.Fatalf("name = %q", ic.Name)
	}
	if ic.GapThreshold != s.Exit.GapThreshold {
		t.Fatalf("gap threshold fallback: %v", ic.GapThreshold)
	}
	if ic.Weight <= 0 || ic.Weight > 1 {
		t.Fatalf("weight = %v", ic.Weight)
	}
}
