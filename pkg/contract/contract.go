// Package contract maintains the process-wide mode contract (CODE, SERVICE
// or IDLE) that gates heavy GPU work. The contract lives in current.json and
// is rewritten only by Manager.Tick and Manager.SetMode.
package contract

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Modes.
const (
	ModeCode    = "CODE"
	ModeService = "SERVICE"
	ModeIdle    = "IDLE"
)

// Contract sources.
const (
	SourceDefault  = "default"
	SourceTick     = "tick"
	SourceOverride = "override"
)

var (
	// ErrInvalidMode is returned for a mode outside CODE, SERVICE and IDLE.
	ErrInvalidMode = errors.New("invalid contract mode")
	// ErrCorrupt is returned when current.json cannot be decoded. Writers
	// refuse to replace a corrupt file.
	ErrCorrupt = errors.New("contract corrupt")
	// ErrPolicyInvalid is returned when the thresholds file is malformed.
	ErrPolicyInvalid = errors.New("contract thresholds invalid")
)

// Override pins the mode until TTLUntil.
type Override struct {
	Mode     string `json:"mode"`
	TTLUntil string `json:"ttl_until"`
	Reason   string `json:"reason,omitempty"`
}

// Expired reports whether the override has lapsed at now.
func (o *Override) Expired(now time.Time) bool {
	if o == nil {
		return true
	}
	until, err := time.Parse(time.RFC3339, o.TTLUntil)
	if err != nil {
		return true
	}
	return !now.Before(until)
}

// Transition records the most recent mode change.
type Transition struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
	At     string `json:"at"`
}

// ServiceLoad is the load picture used for the last decision.
type ServiceLoad struct {
	EWMARate         float64 `json:"ewma_rate"`
	QueueDepth       int     `json:"queue_depth"`
	LastServiceEvent string  `json:"last_service_event,omitempty"`
	HighSince        string  `json:"high_since,omitempty"`
}

// Contract is the content of current.json.
type Contract struct {
	Mode           string      `json:"mode"`
	Source         string      `json:"source"`
	Override       *Override   `json:"override,omitempty"`
	Policy         Thresholds  `json:"policy"`
	PolicySource   string      `json:"policy_source"`
	LastTransition *Transition `json:"last_transition,omitempty"`
	ServiceLoad    ServiceLoad `json:"service_load"`
}

// EffectiveMode returns the override mode while it is live, else Mode.
func (c Contract) EffectiveMode(now time.Time) string {
	if c.Override != nil && !c.Override.Expired(now) {
		return c.Override.Mode
	}
	return c.Mode
}

// Default is the contract used before the first write.
func Default() Contract {
	return Contract{
		Mode:         ModeCode,
		Source:       SourceDefault,
		Policy:       DefaultThresholds(),
		PolicySource: PolicySourceDefaults,
	}
}

// ParseMode normalizes and validates a mode name.
func ParseMode(s string) (string, error) {
	mode := strings.ToUpper(strings.TrimSpace(s))
	switch mode {
	case ModeCode, ModeService, ModeIdle:
		return mode, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

func (c Contract) validate() error {
	if _, err := ParseMode(c.Mode); err != nil {
		return err
	}
	if c.Override != nil {
		if _, err := ParseMode(c.Override.Mode); err != nil {
			return fmt.Errorf("override: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	return t, err == nil
}
