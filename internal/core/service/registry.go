package service

import (
	"sort"
	"sync"
	"time"

	config "github.com/crabzie/P2P-Compute-Scheduler/config/utils"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	"go.uber.org/zap"
)

// PeerEvent is published on every profile refresh so the scheduler can
// re-evaluate queued tasks reactively instead of waiting for the next tick.
type PeerEvent struct {
	PeerID string
	At     time.Time
}

// Registry is the single source of truth for known peers and their latest
// capability snapshots. All mutation goes through its lock; capacity
// counters in particular are shared with the tracker and must never be
// touched any other way.
type Registry struct {
	mu      sync.RWMutex
	peers   map[string]*domain.Peer
	ttl     time.Duration
	fitness config.Fitness
	events  chan PeerEvent
	now     func() time.Time
	log     *zap.Logger
}

func NewRegistry(engineCfg *config.Engine, log *zap.Logger) *Registry {
	return &Registry{
		peers:   make(map[string]*domain.Peer),
		ttl:     engineCfg.ProfileTTL,
		fitness: engineCfg.Fitness,
		events:  make(chan PeerEvent, engineCfg.EventBuffer),
		now:     time.Now,
		log:     log,
	}
}

// Events exposes the peer-updated channel for the scheduler to subscribe to.
func (r *Registry) Events() <-chan PeerEvent {
	return r.events
}

// UpsertProfile inserts or replaces a peer's capability snapshot wholesale
// and marks it connected. The profile is validated first; a bad snapshot
// never reaches the map.
func (r *Registry) UpsertProfile(profile *domain.CapabilityProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	peer, ok := r.peers[profile.PeerID]
	if !ok {
		peer = &domain.Peer{ID: profile.PeerID}
		r.peers[profile.PeerID] = peer
	}
	peer.Profile = profile
	peer.Connectivity = domain.ConnectivityConnected
	peer.LastSeen = r.now()
	r.mu.Unlock()

	// Non-blocking publish: a full buffer only means the scheduler is
	// already awake and will see this peer on its pass.
	select {
	case r.events <- PeerEvent{PeerID: profile.PeerID, At: r.now()}:
	default:
	}

	r.log.Debug("Peer profile updated",
		zap.String("peer_id", profile.PeerID),
		zap.Float64("cpu_score", profile.CPUScore),
		zap.Float64("cpu_usage", profile.CPUUsage))
	return nil
}

// MarkDisconnected flips connectivity without deleting the record, so
// historical scoring survives reconnects.
func (r *Registry) MarkDisconnected(peerID string) {
	r.setConnectivity(peerID, domain.ConnectivityDisconnected)
}

// MarkUnreachable flags a peer that stopped answering dispatches.
func (r *Registry) MarkUnreachable(peerID string) {
	r.setConnectivity(peerID, domain.ConnectivityUnreachable)
}

func (r *Registry) setConnectivity(peerID string, c domain.Connectivity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peer, ok := r.peers[peerID]; ok {
		peer.Connectivity = c
	}
}

// SetReputation refreshes the cached reputation used as a ranking signal.
// The ledger pushes this after every durable score write.
func (r *Registry) SetReputation(peerID string, points float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peer, ok := r.peers[peerID]; ok {
		peer.Reputation = points
	}
}

// AddStrike counts an ack failure against the peer and returns the new
// total. The tracker escalates once the strike limit is hit.
func (r *Registry) AddStrike(peerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[peerID]
	if !ok {
		return 0
	}
	peer.Strikes++
	return peer.Strikes
}

// ClearStrikes resets the ack failure counter after a successful ack.
func (r *Registry) ClearStrikes(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peer, ok := r.peers[peerID]; ok {
		peer.Strikes = 0
	}
}

// Reserve provisionally takes one task slot on the peer, before the
// dispatch goes over the wire. It fails if the peer is unknown or already
// at its declared concurrent capacity, so two racing assignments can never
// push a peer past its limit.
func (r *Registry) Reserve(peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[peerID]
	if !ok {
		return domain.ErrUnknownPeer
	}
	if peer.FreeSlots() < 1 {
		return domain.ErrNoCapacity
	}
	peer.InFlight++
	return nil
}

// Release returns a reserved slot, after completion, failure or cancel.
func (r *Registry) Release(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peer, ok := r.peers[peerID]; ok && peer.InFlight > 0 {
		peer.InFlight--
	}
}

// NoteCompletion bumps the recent-task counter used as a load-balancing
// tie-break.
func (r *Registry) NoteCompletion(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peer, ok := r.peers[peerID]; ok {
		peer.RecentTasks++
	}
}

// Get returns a copy of the peer record, or ErrUnknownPeer.
func (r *Registry) Get(peerID string) (*domain.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[peerID]
	if !ok {
		return nil, domain.ErrUnknownPeer
	}
	cp := *peer
	return &cp, nil
}

// ConnectedPeers returns copies of every record currently marked connected.
func (r *Registry) ConnectedPeers() []*domain.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Peer
	for _, peer := range r.peers {
		if peer.Connectivity == domain.ConnectivityConnected {
			cp := *peer
			out = append(out, &cp)
		}
	}
	return out
}

// QueryEligible returns the peers whose fresh, connected profile meets the
// requirements and that still have free task slots, best fit first.
// Ordering: composite fitness desc, then fewer in-flight tasks, then
// fewer recent completions, then the most recently measured profile.
func (r *Registry) QueryEligible(req domain.Requirements) []*domain.Peer {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	type candidate struct {
		peer  *domain.Peer
		score float64
	}
	var candidates []candidate

	for _, peer := range r.peers {
		if peer.Connectivity != domain.ConnectivityConnected || peer.Profile == nil {
			continue
		}
		if !peer.Profile.Fresh(now, r.ttl) {
			continue
		}
		if !peer.Profile.Meets(req) {
			continue
		}
		if peer.FreeSlots() < 1 {
			continue
		}
		candidates = append(candidates, candidate{peer: peer, score: r.fitnessOf(peer)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.peer.InFlight != b.peer.InFlight {
			return a.peer.InFlight < b.peer.InFlight
		}
		if a.peer.RecentTasks != b.peer.RecentTasks {
			return a.peer.RecentTasks < b.peer.RecentTasks
		}
		return a.peer.Profile.MeasuredAt.After(b.peer.Profile.MeasuredAt)
	})

	out := make([]*domain.Peer, len(candidates))
	for i, c := range candidates {
		cp := *c.peer
		out[i] = &cp
	}
	return out
}

// fitnessOf computes the composite ranking score: weighted normalized
// capability minus a utilization penalty plus a small reputation bonus.
// Caller holds at least the read lock.
func (r *Registry) fitnessOf(peer *domain.Peer) float64 {
	p := peer.Profile
	scale := r.fitness.ScoreScale
	if scale <= 0 {
		scale = 1
	}

	capability := r.fitness.CPUWeight*(p.CPUScore/scale) +
		r.fitness.GPUWeight*(p.GPUScore/scale) +
		r.fitness.MemoryWeight*(p.MemoryScore/scale) +
		r.fitness.DriveWeight*(p.DriveScore/scale)

	utilization := (p.CPUUsage + p.MemoryUsage) / 2 / 100

	return capability - r.fitness.UtilizationPenalty*utilization + r.fitness.ReputationWeight*(peer.Reputation/scale)
}
