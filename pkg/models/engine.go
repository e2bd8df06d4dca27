package models

import (
	"fmt"
	"runtime"
)

// ExecMode determines how the proxy engine is executed. It is resolved
// fresh on every start and never persisted.
type ExecMode string

const (
	// ModeDirect runs the engine as a directly-owned child process.
	ModeDirect ExecMode = "direct"
	// ModeDelegated delegates engine control to the privileged helper service.
	ModeDelegated ExecMode = "delegated"
	// ModeElevated is reserved and not implemented.
	ModeElevated ExecMode = "elevated"
)

// EngineVariant identifies which engine binary and feature set is in use.
// It affects executable lookup and log parsing, and is immutable for the
// lifetime of an instance.
type EngineVariant string

const (
	VariantClash        EngineVariant = "clash"
	VariantClashPremium EngineVariant = "clash-premium"
	VariantMihomo       EngineVariant = "mihomo"
)

// ParseVariant validates a variant name from config or CLI input.
func ParseVariant(s string) (EngineVariant, error) {
	switch EngineVariant(s) {
	case VariantClash, VariantClashPremium, VariantMihomo:
		return EngineVariant(s), nil
	}
	return "", fmt.Errorf("unknown engine variant %q", s)
}

// ExecutableName returns the expected binary file name for the variant.
func (v EngineVariant) ExecutableName() string {
	name := string(v)
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return name
}

// Premium reports whether the variant emits structured log lines that
// carry their own severity level.
func (v EngineVariant) Premium() bool {
	return v == VariantClashPremium
}

func (v EngineVariant) String() string {
	return string(v)
}

// EngineState is the derived run state of the engine. It is never stored
// independently of the owning instance or the remote service.
type EngineState string

const (
	StateRunning EngineState = "running"
	StateStopped EngineState = "stopped"
)

// Status is the state payload shared by the daemon API and the privileged
// service protocol.
type Status struct {
	State          EngineState `json:"state"`
	StateChangedAt int64       `json:"state_changed_at"` // unix milliseconds, 0 if unknown
	Mode           ExecMode    `json:"mode,omitempty"`
	Variant        string      `json:"variant,omitempty"`
	Detail         string      `json:"detail,omitempty"`
}
