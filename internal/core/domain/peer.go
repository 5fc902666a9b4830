package domain

import "time"

type Connectivity string

const (
	ConnectivityConnected    Connectivity = "CONNECTED"
	ConnectivityDisconnected Connectivity = "DISCONNECTED"
	ConnectivityUnreachable  Connectivity = "UNREACHABLE"
)

// Peer represents a known member of the compute network independent of the
// transport used to reach it. The registry owns these records; everyone
// else refers to peers by id.
type Peer struct {
	ID           string             `json:"id"`
	Addrs        []string           `json:"addrs,omitempty"`
	Profile      *CapabilityProfile `json:"profile,omitempty"`
	Connectivity Connectivity       `json:"connectivity"`
	Reputation   float64            `json:"reputation"`
	InFlight     int                `json:"in_flight"`    // reserved + running task slots
	RecentTasks  int                `json:"recent_tasks"` // completions in the current window
	Strikes      int                `json:"strikes"`      // consecutive ack failures
	LastSeen     time.Time          `json:"last_seen"`
}

// FreeSlots returns how many more tasks the peer may be assigned.
func (p *Peer) FreeSlots() int {
	if p.Profile == nil {
		return 0
	}
	return p.Profile.MaxConcurrent - p.InFlight
}
