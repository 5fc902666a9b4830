package domain

import "time"

// CapabilityProfile is a normalized snapshot of a peer's measured hardware
// performance and current utilization. Profiles are immutable: a refresh
// replaces the whole snapshot, never individual fields.
type CapabilityProfile struct {
	PeerID        string    `json:"peer_id"`
	CPUScore      float64   `json:"cpu_score"`
	GPUScore      float64   `json:"gpu_score"`
	MemoryScore   float64   `json:"memory_score"`
	DriveScore    float64   `json:"drive_score"`
	CPUUsage      float64   `json:"cpu_usage"`    // percent, 0-100
	MemoryUsage   float64   `json:"memory_usage"` // percent, 0-100
	MaxConcurrent int       `json:"max_concurrent"`
	MeasuredAt    time.Time `json:"measured_at"`
}

// Validate checks the profile invariants: scores non-negative,
// utilization within [0,100], a usable peer id and capacity.
func (p *CapabilityProfile) Validate() error {
	if p.PeerID == "" {
		return ErrInvalidProfile
	}
	if p.CPUScore < 0 || p.GPUScore < 0 || p.MemoryScore < 0 || p.DriveScore < 0 {
		return ErrInvalidProfile
	}
	if p.CPUUsage < 0 || p.CPUUsage > 100 || p.MemoryUsage < 0 || p.MemoryUsage > 100 {
		return ErrInvalidProfile
	}
	if p.MaxConcurrent < 1 {
		return ErrInvalidProfile
	}
	return nil
}

// Fresh reports whether the profile was measured within ttl of now.
func (p *CapabilityProfile) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.MeasuredAt) < ttl
}

// Utilization is a live usage sample for one peer, percent scale.
type Utilization struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
}

// Meets reports whether the profile satisfies the given minimum scores.
func (p *CapabilityProfile) Meets(req Requirements) bool {
	return p.CPUScore >= req.MinCPUScore &&
		p.GPUScore >= req.MinGPUScore &&
		p.MemoryScore >= req.MinMemoryScore
}
