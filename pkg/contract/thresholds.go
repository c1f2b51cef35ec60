package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DefaultPolicyPath is the thresholds file relative to the repo root.
var DefaultPolicyPath = filepath.Join("workspace", "governance", "policy", "contract_thresholds.json")

// PolicySourceDefaults marks thresholds that came from built-in defaults.
const PolicySourceDefaults = "defaults"

// Thresholds tune mode transitions. Rates are service events per minute.
type Thresholds struct {
	ServiceRateHigh   float64 `json:"service_rate_high"`
	ServiceRateLow    float64 `json:"service_rate_low"`
	IdleWindowSeconds float64 `json:"idle_window_seconds"`
	MinModeMinutes    float64 `json:"min_mode_minutes"`
}

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ServiceRateHigh:   6.0,
		ServiceRateLow:    1.0,
		IdleWindowSeconds: 600,
		MinModeMinutes:    10,
	}
}

// IdleWindow returns the idle window as a duration.
func (t Thresholds) IdleWindow() time.Duration {
	return time.Duration(t.IdleWindowSeconds * float64(time.Second))
}

// MinMode returns the minimum dwell time as a duration.
func (t Thresholds) MinMode() time.Duration {
	return time.Duration(t.MinModeMinutes * float64(time.Minute))
}

func (t Thresholds) validate() error {
	switch {
	case t.ServiceRateHigh < 0 || t.ServiceRateLow < 0:
		return fmt.Errorf("service rates must not be negative")
	case t.ServiceRateLow > t.ServiceRateHigh:
		return fmt.Errorf("service_rate_low %.2f exceeds service_rate_high %.2f", t.ServiceRateLow, t.ServiceRateHigh)
	case t.IdleWindowSeconds <= 0:
		return fmt.Errorf("idle_window_seconds must be positive")
	case t.MinModeMinutes < 0:
		return fmt.Errorf("min_mode_minutes must not be negative")
	}
	return nil
}

// LoadThresholds reads the thresholds file. Absent keys keep their
// defaults. found is false when the file does not exist, in which case the
// defaults are returned without error.
func LoadThresholds(path string) (th Thresholds, found bool, err error) {
	th = DefaultThresholds()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return th, false, nil
		}
		return th, false, fmt.Errorf("read thresholds: %w", err)
	}
	if err := json.Unmarshal(data, &th); err != nil {
		return DefaultThresholds(), true, fmt.Errorf("%w: %s: %v", ErrPolicyInvalid, path, err)
	}
	if err := th.validate(); err != nil {
		return DefaultThresholds(), true, fmt.Errorf("%w: %s: %v", ErrPolicyInvalid, path, err)
	}
	return th, true, nil
}
