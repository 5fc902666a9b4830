package service_test

import (
	"context"
	"sync"
	"time"

	config "github.com/crabzie/P2P-Compute-Scheduler/config/utils"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
)

// testEngineConfig returns policy knobs tuned for fast tests.
func testEngineConfig() *config.Engine {
	cfg := &config.Engine{}
	cfg.ProfileTTL = 30 * time.Second
	cfg.TickInterval = 10 * time.Millisecond
	cfg.AckTimeout = 30 * time.Millisecond
	cfg.TaskTimeout = 200 * time.Millisecond
	cfg.MaxQueueWait = time.Minute
	cfg.MaxRetries = 3
	cfg.DefaultMaxConcurrent = 4
	cfg.EventBuffer = 16

	cfg.Fitness.CPUWeight = 0.4
	cfg.Fitness.GPUWeight = 0.2
	cfg.Fitness.MemoryWeight = 0.25
	cfg.Fitness.DriveWeight = 0.15
	cfg.Fitness.UtilizationPenalty = 0.5
	cfg.Fitness.ReputationWeight = 0.05
	cfg.Fitness.ScoreScale = 100

	cfg.Scoring.CreditDivisor = 10
	cfg.Scoring.SpeedBonus = 1.5
	cfg.Scoring.FailurePenalty = 5
	cfg.Scoring.StrikeLimit = 3
	cfg.Scoring.WriteRetries = 2
	cfg.Scoring.WriteBackoff = time.Millisecond
	return cfg
}

func testProfile(peerID string, cpu float64) *domain.CapabilityProfile {
	return &domain.CapabilityProfile{
		PeerID:        peerID,
		CPUScore:      cpu,
		GPUScore:      50,
		MemoryScore:   50,
		DriveScore:    50,
		MaxConcurrent: 4,
		MeasuredAt:    time.Now(),
	}
}

// fakeTaskRepo is an in-memory TaskRepository.
type fakeTaskRepo struct {
	mu      sync.Mutex
	tasks   map[string]*domain.Task
	saveErr error
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{tasks: make(map[string]*domain.Task)}
}

func (r *fakeTaskRepo) Save(ctx context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *fakeTaskRepo) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *task
	return &cp, nil
}

func (r *fakeTaskRepo) Update(ctx context.Context, task *domain.Task) error {
	return r.Save(ctx, task)
}

func (r *fakeTaskRepo) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Task
	for _, task := range r.tasks {
		if task.Status == status {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeTaskRepo) stored(id string) *domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil
	}
	cp := *task
	return &cp
}

// fakeScoreStore is an in-memory ScoreStore that serializes Apply and
// floors points at zero, matching the Postgres upsert semantics.
type fakeScoreStore struct {
	mu         sync.Mutex
	entries    map[string]*domain.ScoreEntry
	applies    []float64
	failures   int           // number of leading Apply calls that fail
	applyDelay time.Duration // set before use; simulates a slow write
}

func newFakeScoreStore() *fakeScoreStore {
	return &fakeScoreStore{entries: make(map[string]*domain.ScoreEntry)}
}

func (s *fakeScoreStore) Apply(ctx context.Context, peerID string, delta float64, completed bool) (*domain.ScoreEntry, error) {
	if s.applyDelay > 0 {
		time.Sleep(s.applyDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, context.DeadlineExceeded
	}
	entry, ok := s.entries[peerID]
	if !ok {
		entry = &domain.ScoreEntry{PeerID: peerID}
		s.entries[peerID] = entry
	}
	entry.Points += delta
	if entry.Points < 0 {
		entry.Points = 0
	}
	if completed {
		entry.TasksCompleted++
	} else {
		entry.TasksFailed++
	}
	entry.UpdatedAt = time.Now()
	s.applies = append(s.applies, delta)
	cp := *entry
	return &cp, nil
}

func (s *fakeScoreStore) Get(ctx context.Context, peerID string) (*domain.ScoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[peerID]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (s *fakeScoreStore) List(ctx context.Context) ([]*domain.ScoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ScoreEntry
	for _, entry := range s.entries {
		cp := *entry
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeScoreStore) deltas() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.applies))
	copy(out, s.applies)
	return out
}

// fakeDispatchQueue records published envelopes and cancel signals.
type fakeDispatchQueue struct {
	mu         sync.Mutex
	dispatches []*domain.DispatchEnvelope
	cancels    []*domain.CancelSignal
	publishErr error
}

func (q *fakeDispatchQueue) PublishDispatch(ctx context.Context, env *domain.DispatchEnvelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.dispatches = append(q.dispatches, env)
	return nil
}

func (q *fakeDispatchQueue) PublishCancel(ctx context.Context, sig *domain.CancelSignal) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancels = append(q.cancels, sig)
	return nil
}

func (q *fakeDispatchQueue) ConsumeReports(ctx context.Context, handler func(report *domain.PeerReport) error) error {
	return nil
}

func (q *fakeDispatchQueue) published() []*domain.DispatchEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.DispatchEnvelope, len(q.dispatches))
	copy(out, q.dispatches)
	return out
}

func (q *fakeDispatchQueue) cancelled() []*domain.CancelSignal {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.CancelSignal, len(q.cancels))
	copy(out, q.cancels)
	return out
}

// fakePresence is an in-memory PeerPresence.
type fakePresence struct {
	mu       sync.Mutex
	profiles map[string]*domain.CapabilityProfile
}

func newFakePresence() *fakePresence {
	return &fakePresence{profiles: make(map[string]*domain.CapabilityProfile)}
}

func (p *fakePresence) Announce(ctx context.Context, profile *domain.CapabilityProfile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *profile
	p.profiles[profile.PeerID] = &cp
	return nil
}

func (p *fakePresence) Snapshot(ctx context.Context) ([]*domain.CapabilityProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*domain.CapabilityProfile
	for _, profile := range p.profiles {
		cp := *profile
		out = append(out, &cp)
	}
	return out, nil
}

func (p *fakePresence) drop(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.profiles, peerID)
}

func (p *fakePresence) latest(peerID string) *domain.CapabilityProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	profile, ok := p.profiles[peerID]
	if !ok {
		return nil
	}
	cp := *profile
	return &cp
}

// fakeProbe serves canned utilization samples.
type fakeProbe struct {
	mu      sync.Mutex
	samples map[string]domain.Utilization
	bulkErr error
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{samples: make(map[string]domain.Utilization)}
}

func (p *fakeProbe) GetPeerUtilization(ctx context.Context, peerID string) (float64, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.samples[peerID]
	if !ok {
		return 50, 50, nil
	}
	return u.CPUUsage, u.MemoryUsage, nil
}

func (p *fakeProbe) GetAllUtilization(ctx context.Context) (map[string]domain.Utilization, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bulkErr != nil {
		return nil, p.bulkErr
	}
	out := make(map[string]domain.Utilization, len(p.samples))
	for k, v := range p.samples {
		out[k] = v
	}
	return out, nil
}

// fakeWorkerQueue captures reports from a worker and hands it dispatches.
type fakeWorkerQueue struct {
	mu       sync.Mutex
	reports  []*domain.PeerReport
	handler  func(env *domain.DispatchEnvelope) error
	onCancel func(sig *domain.CancelSignal)
}

func (q *fakeWorkerQueue) ConsumeDispatches(ctx context.Context, peerID string, handler func(env *domain.DispatchEnvelope) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
	return nil
}

func (q *fakeWorkerQueue) PublishReport(ctx context.Context, report *domain.PeerReport) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reports = append(q.reports, report)
	return nil
}

func (q *fakeWorkerQueue) OnCancel(fn func(sig *domain.CancelSignal)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onCancel = fn
}

func (q *fakeWorkerQueue) deliver(env *domain.DispatchEnvelope) error {
	q.mu.Lock()
	handler := q.handler
	q.mu.Unlock()
	return handler(env)
}

func (q *fakeWorkerQueue) cancel(sig *domain.CancelSignal) {
	q.mu.Lock()
	fn := q.onCancel
	q.mu.Unlock()
	if fn != nil {
		fn(sig)
	}
}

func (q *fakeWorkerQueue) reported() []*domain.PeerReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.PeerReport, len(q.reports))
	copy(out, q.reports)
	return out
}

// fakeResultCache remembers result refs in memory.
type fakeResultCache struct {
	mu      sync.Mutex
	results map[string]string
}

func newFakeResultCache() *fakeResultCache {
	return &fakeResultCache{results: make(map[string]string)}
}

func (c *fakeResultCache) PutResult(ctx context.Context, taskID, resultRef string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[taskID] = resultRef
	return nil
}

func (c *fakeResultCache) GetResult(ctx context.Context, taskID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[taskID], nil
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
