package model

import (
	"fmt"
	"time"
)

// Byte size helpers
const (
	KiB = 1024
	MiB = 1024 * KiB
)

// ResourceProfile holds the limits applied to one execution unit
type ResourceProfile struct {
	Name           string        `json:"name" yaml:"name"`
	Version        int           `json:"version" yaml:"version"`
	NanoCPUs       int64         `json:"nano_cpus" yaml:"nano_cpus"`
	MemoryBytes    int64         `json:"memory_bytes" yaml:"memory_bytes"`
	PidsLimit      int64         `json:"pids_limit" yaml:"pids_limit"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	MaxOutputBytes int           `json:"max_output_bytes" yaml:"max_output_bytes"`
	NetworkEnabled bool          `json:"network_enabled" yaml:"network_enabled"`
}

// ProfileOverride carries the per-submission adjustments a caller may request.
// Nil fields keep the catalog value.
type ProfileOverride struct {
	Timeout        *time.Duration `json:"timeout,omitempty"`
	MemoryBytes    *int64         `json:"memory_bytes,omitempty"`
	MaxOutputBytes *int           `json:"max_output_bytes,omitempty"`
	NetworkEnabled *bool          `json:"network_enabled,omitempty"`
}

// Validate checks the invariants every profile must hold before a launch
func (p ResourceProfile) Validate() error {
	if p.Timeout <= 0 {
		return fmt.Errorf("profile %q: timeout must be positive, got %s", p.Name, p.Timeout)
	}
	if p.MemoryBytes <= 0 {
		return fmt.Errorf("profile %q: memory ceiling must be positive, got %d", p.Name, p.MemoryBytes)
	}
	if p.MaxOutputBytes <= 0 {
		return fmt.Errorf("profile %q: max output bytes must be positive, got %d", p.Name, p.MaxOutputBytes)
	}
	if p.NanoCPUs < 0 || p.PidsLimit < 0 {
		return fmt.Errorf("profile %q: cpu and pids limits must not be negative", p.Name)
	}
	return nil
}

// Apply returns a copy of p with the override applied. The derived profile keeps
// the name and version it was derived from so results stay traceable.
func (p ResourceProfile) Apply(o *ProfileOverride) ResourceProfile {
	if o == nil {
		return p
	}
	out := p
	if o.Timeout != nil {
		out.Timeout = *o.Timeout
	}
	if o.MemoryBytes != nil {
		out.MemoryBytes = *o.MemoryBytes
	}
	if o.MaxOutputBytes != nil {
		out.MaxOutputBytes = *o.MaxOutputBytes
	}
	if o.NetworkEnabled != nil {
		out.NetworkEnabled = *o.NetworkEnabled
	}
	return out
}
