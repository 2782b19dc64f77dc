package config

import "fmt"

var Presets = []string{"quiet", "active"}

// ApplyPreset overrides runtime pacing for this run only; the file is untouched.
func (c *Config) ApplyPreset(name string) error {
	r := &c.Runtime
	switch name {
	case "":
		return nil
	case "quiet":
		r.LoopIntervalSec = 2.4
		r.IdleIntervalMinSec = 0.30
		r.IdleIntervalMaxSec = 0.70
		r.IdleHesitateIdleProb = 0.28
		r.IdleHesitatePauseProb = 0.34
		r.IdleLookJitterMinDeg = 0.8
		r.IdleLookJitterMaxDeg = 2.0
		r.IdleLookOvershootProb = 0.08
		r.IdleSmallStepMoveProb = 0.14
		r.IntentTTLSec = 3.4
	case "active":
		r.LoopIntervalSec = 1.8
		r.IdleIntervalMinSec = 0.18
		r.IdleIntervalMaxSec = 0.45
		r.IdleHesitateIdleProb = 0.10
		r.IdleHesitatePauseProb = 0.18
		r.IdleLookJitterMinDeg = 1.2
		r.IdleLookJitterMaxDeg = 3.4
		r.IdleLookOvershootProb = 0.28
		r.IdleSmallStepMoveProb = 0.26
		r.IntentTTLSec = 2.4
	default:
		return fmt.Errorf("unknown preset: %s (valid: %v)", name, Presets)
	}
	c.Normalize()
	return nil
}
