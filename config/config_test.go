package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	c := Default()
	if c.MTU != 1200 {
		t.Errorf("mtu = %d, want 1200", c.MTU)
	}
	if c.CwndMin != 2 || c.CwndMax != 1<<20 {
		t.Errorf("cwnd bounds = [%d,%d], want [2,%d]", c.CwndMin, c.CwndMax, 1<<20)
	}
	if c.DelayedAckTimeout != 10*time.Millisecond {
		t.Errorf("delayed ack timeout = %v, want 10ms", c.DelayedAckTimeout)
	}
	if c.InitialRTT != 500*time.Millisecond {
		t.Errorf("initial rtt = %v, want 500ms", c.InitialRTT)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sst.yaml")
	body := "mtu: 1400\ncongestion: vegas\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MTU != 1400 {
		t.Errorf("mtu = %d, want 1400", cfg.MTU)
	}
	if cfg.Congestion != CongestionVegas {
		t.Errorf("congestion = %s, want vegas", cfg.Congestion)
	}
	if cfg.CwndMin != 2 {
		t.Errorf("unset fields should fall back to default: cwnd_min = %d", cfg.CwndMin)
	}
}

func TestValidateRejectsBadCwnd(t *testing.T) {
	c := Default()
	c.CwndMin = 1
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for cwnd_min < 2")
	}
}

func TestValidateRejectsUnknownArmor(t *testing.T) {
	c := Default()
	c.Armor = "rot13"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown armor mode")
	}
}
