// Package models provides data models for the synergy network.
package models

import (
	"fmt"
	"time"

	"github.com/multiformats/go-multiaddr"
)

// ValidatorStatus represents the standing of a validator in the registry.
// Validators are never deleted, only transitioned between statuses.
type ValidatorStatus string

const (
	ValidatorStatusActive    ValidatorStatus = "active"
	ValidatorStatusInactive  ValidatorStatus = "inactive"
	ValidatorStatusPenalized ValidatorStatus = "penalized"
	ValidatorStatusSlashed   ValidatorStatus = "slashed"
)

// String returns the string representation of the validator status.
func (s ValidatorStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known validator status.
func (s ValidatorStatus) IsValid() bool {
	switch s {
	case ValidatorStatusActive, ValidatorStatusInactive, ValidatorStatusPenalized, ValidatorStatusSlashed:
		return true
	default:
		return false
	}
}

// ResourceCapabilities describes what a validator can offer to a cluster.
// Memory and storage are in megabytes, bandwidth in kilobytes per second.
type ResourceCapabilities struct {
	CPU             int      `json:"cpu"`
	Memory          int64    `json:"memory"`
	Storage         int64    `json:"storage"`
	Bandwidth       int64    `json:"bandwidth"`
	GPU             bool     `json:"gpu"`
	SpecialHardware []string `json:"special_hardware,omitempty"`
}

// ResourceRequirements is the minimum-threshold vector a task asks for.
type ResourceRequirements struct {
	MinCPU          int      `json:"min_cpu"`
	MinMemory       int64    `json:"min_memory"`
	MinStorage      int64    `json:"min_storage"`
	MinBandwidth    int64    `json:"min_bandwidth"`
	GPURequired     bool     `json:"gpu_required"`
	SpecialHardware []string `json:"special_hardware,omitempty"`
}

// Meets reports whether every scalar capability is at least the requirement
// and every required hardware tag is present.
func (c ResourceCapabilities) Meets(r ResourceRequirements) bool {
	if c.CPU < r.MinCPU || c.Memory < r.MinMemory || c.Storage < r.MinStorage || c.Bandwidth < r.MinBandwidth {
		return false
	}
	if r.GPURequired && !c.GPU {
		return false
	}
	if len(r.SpecialHardware) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(c.SpecialHardware))
	for _, hw := range c.SpecialHardware {
		have[hw] = struct{}{}
	}
	for _, hw := range r.SpecialHardware {
		if _, ok := have[hw]; !ok {
			return false
		}
	}
	return true
}

// Validator is a registered participant eligible for cluster membership.
type Validator struct {
	ID        string               `json:"id"`
	PublicKey string               `json:"public_key"`
	Resources ResourceCapabilities `json:"resources"`
	// SynergyPoints is read through from the points ledger when the validator
	// is handed out; the registry copy is informational only.
	SynergyPoints uint64          `json:"synergy_points"`
	Availability  float64         `json:"availability"`
	LastActive    time.Time       `json:"last_active"`
	Status        ValidatorStatus `json:"status"`
	Endpoint      string          `json:"endpoint,omitempty"`
	Stake         uint64          `json:"stake"`
}

// IsActive reports whether the validator may take part in clusters.
func (v *Validator) IsActive() bool {
	return v.Status == ValidatorStatusActive
}

// Clone returns a deep copy of the validator.
func (v *Validator) Clone() *Validator {
	c := *v
	if v.Resources.SpecialHardware != nil {
		c.Resources.SpecialHardware = append([]string(nil), v.Resources.SpecialHardware...)
	}
	return &c
}

// Validate checks the fields a registration must carry.
func (v *Validator) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("validator id is required")
	}
	if v.Status != "" && !v.Status.IsValid() {
		return fmt.Errorf("unknown validator status %q", v.Status)
	}
	if v.Availability < 0 || v.Availability > 1 {
		return fmt.Errorf("availability %v outside [0, 1]", v.Availability)
	}
	if v.Endpoint != "" {
		if err := ValidateEndpoint(v.Endpoint); err != nil {
			return err
		}
	}
	return nil
}

// ValidateEndpoint checks that a declared endpoint is a dialable multiaddr
// carrying a host component and a TCP port.
func ValidateEndpoint(endpoint string) error {
	addr, err := multiaddr.NewMultiaddr(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if _, err := EndpointHostPort(addr); err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	return nil
}

// EndpointHostPort converts an /ip4, /ip6, /dns, /dns4 or /dns6 multiaddr with
// a /tcp component into a host:port dial target.
func EndpointHostPort(addr multiaddr.Multiaddr) (string, error) {
	port, err := addr.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return "", fmt.Errorf("missing tcp port")
	}
	for _, code := range []int{multiaddr.P_IP4, multiaddr.P_DNS4, multiaddr.P_DNS, multiaddr.P_DNS6} {
		if host, err := addr.ValueForProtocol(code); err == nil {
			return host + ":" + port, nil
		}
	}
	if host, err := addr.ValueForProtocol(multiaddr.P_IP6); err == nil {
		return "[" + host + "]:" + port, nil
	}
	return "", fmt.Errorf("missing host component")
}
