// Package config loads and validates SST host configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ArmorMode selects the packet-armor variant a flow uses.
type ArmorMode string

const (
	ArmorCTRHMAC   ArmorMode = "ctr-hmac"
	ArmorChecksum  ArmorMode = "checksum"
)

// CongestionMode selects the congestion-control algorithm a flow uses.
type CongestionMode string

const (
	CongestionTCP        CongestionMode = "tcp"
	CongestionAggressive CongestionMode = "aggressive"
	CongestionDelay      CongestionMode = "delay"
	CongestionVegas      CongestionMode = "vegas"
)

// Open-question knobs the origin left as TODOs (§9): surfaced here as
// configuration rather than guessed constants.
type OpenQuestions struct {
	// DupAckThreshold is the number of out-of-order acks before fast
	// retransmit. The origin used 0 (any gap triggers). The flow does not
	// read it: every ack gap is reported as missed, which is the 0 setting.
	DupAckThreshold int `yaml:"dup_ack_threshold"`
	// SackWidth is the width, in bits, of a selective-ack bitmask. The flow
	// does not read it: the wire carries only the contiguous-run counter,
	// and the sender's own ack bitmask is a fixed 32 bits.
	SackWidth int `yaml:"sack_width"`
	// RekeySeqThreshold is the fraction of the 63-bit sequence space (0,1)
	// at which a flow should request re-keying. Re-keying itself is out
	// of scope; this only gates the refuse-to-send guard in §4.2.4.
	RekeySeqThreshold float64 `yaml:"rekey_seq_threshold"`
}

// Config is the full set of tunables for a Host. Values mirror the §6
// defaults table; a zero Config is not valid, use Default().
type Config struct {
	Armor       ArmorMode      `yaml:"armor"`
	Congestion  CongestionMode `yaml:"congestion"`
	MTU         int            `yaml:"mtu"`
	FlowHeaderSize int         `yaml:"-"`

	InitialRTT     time.Duration `yaml:"initial_rtt"`
	RTTCeiling     time.Duration `yaml:"rtt_ceiling"`
	RetransmitBase time.Duration `yaml:"retransmit_base"`
	RetransmitCap  time.Duration `yaml:"retransmit_cap"`
	TotalFailureCeiling time.Duration `yaml:"total_failure_ceiling"`

	CwndMin int `yaml:"cwnd_min"`
	CwndMax int `yaml:"cwnd_max"`

	DelayedAckTimeout    time.Duration `yaml:"delayed_ack_timeout"`
	ForceAckAfterAckOnly int           `yaml:"force_ack_after_ack_only"`
	ForceAckAfterData    int           `yaml:"force_ack_after_data"`

	ConnectRetryInterval time.Duration `yaml:"connect_retry_interval"`

	// PaceBytesPerSec bounds burstiness of ready_transmit independently of
	// cwnd; 0 disables pacing.
	PaceBytesPerSec int64 `yaml:"pace_bytes_per_sec"`

	// TickInterval is the period of the socket's tick loop, which calls
	// Socket.OnTick when it is set. Nothing in this module sets OnTick.
	TickInterval time.Duration `yaml:"tick_interval"`
	// CleanupInterval is the period of the socket's cleanup loop, which
	// calls Socket.OnCleanup when it is set. Nothing in this module sets
	// OnCleanup.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// MaxChannel bounds the per-remote channel scan (§6: channels 1..255).
	MaxChannel byte `yaml:"-"`

	Open OpenQuestions `yaml:"open_questions"`
}

// Default returns the configuration implied by spec §6.
func Default() *Config {
	return &Config{
		Armor:          ArmorCTRHMAC,
		Congestion:     CongestionTCP,
		MTU:            1200,
		FlowHeaderSize: 8,

		InitialRTT:          500 * time.Millisecond,
		RTTCeiling:          10 * time.Second,
		RetransmitBase:      500 * time.Millisecond,
		RetransmitCap:       10 * time.Second,
		TotalFailureCeiling: 2 * time.Minute,

		CwndMin: 2,
		CwndMax: 1 << 20,

		DelayedAckTimeout:    10 * time.Millisecond,
		ForceAckAfterAckOnly: 4,
		ForceAckAfterData:    2,

		ConnectRetryInterval: 60 * time.Second,

		PaceBytesPerSec: 0,

		TickInterval:    20 * time.Millisecond,
		CleanupInterval: 5 * time.Second,
		MaxChannel:      255,

		Open: OpenQuestions{
			DupAckThreshold:   0,
			SackWidth:         32,
			RekeySeqThreshold: 0.95,
		},
	}
}

// Load reads a YAML config file, filling unset fields from Default().
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants from spec §3 (cwnd bounds) and §6 (MTU).
func (c *Config) Validate() error {
	if c.MTU <= c.FlowHeaderSize {
		return fmt.Errorf("config: mtu %d too small for flow header %d", c.MTU, c.FlowHeaderSize)
	}
	if c.CwndMin < 2 {
		return fmt.Errorf("config: cwnd_min must be >= 2, got %d", c.CwndMin)
	}
	if c.CwndMax < c.CwndMin {
		return fmt.Errorf("config: cwnd_max %d < cwnd_min %d", c.CwndMax, c.CwndMin)
	}
	switch c.Armor {
	case ArmorCTRHMAC, ArmorChecksum:
	default:
		return fmt.Errorf("config: unknown armor mode %q", c.Armor)
	}
	switch c.Congestion {
	case CongestionTCP, CongestionAggressive, CongestionDelay, CongestionVegas:
	default:
		return fmt.Errorf("config: unknown congestion mode %q", c.Congestion)
	}
	return nil
}
