package cpu

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoopConfig carries the execution loop's own tuning knobs. It is
// deliberately small: the CLI/config subsystem around the rest of the
// emulator is out of scope for this core.
type LoopConfig struct {
	// EnableChaining controls block chaining under non-replay modes.
	// The original source guards chaining with a dead branch
	// (`if (0 && rr_mode != RR_REPLAY)`) whose intent is unclear; this
	// reimplementation exposes the decision as a config bit, default
	// off, rather than guessing that the original author meant to
	// enable it.
	EnableChaining bool `yaml:"enable_chaining"`

	// UseLiveExitRequest mirrors RRTap's use_live_exit_request knob in
	// the config file. ExecLoop does not read it: a replay Tap's
	// behaviour is set only by the rr.Options.UseLiveExitRequest it was
	// built with.
	UseLiveExitRequest bool `yaml:"use_live_exit_request"`
}

// DefaultLoopConfig returns the conservative defaults: no chaining
// outside of explicit opt-in, logged values dominate in replay.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{EnableChaining: false, UseLiveExitRequest: false}
}

// LoadLoopConfig reads a LoopConfig from a YAML file. A missing file is
// not an error: DefaultLoopConfig is returned instead, since every
// field already has a safe zero-ish default.
func LoadLoopConfig(path string) (LoopConfig, error) {
	cfg := DefaultLoopConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("cpu: read loop config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("cpu: parse loop config %s: %w", path, err)
	}
	return cfg, nil
}
