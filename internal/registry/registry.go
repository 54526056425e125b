package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// Workers are assumed to have this much headroom for the coarse resource
// checks in compatibility scoring.
const (
	assumedMemoryMB      = 1024
	assumedBandwidthMbps = 100
)

const lookupCacheSize = 128

type workerEntry struct {
	id    uint32
	info  WorkerInfo
	state WorkerState
	caps  map[string]*Capability
}

// Registry is the worker/capability catalog. It is an explicit value owned
// by the coordinator; nothing here is package-global, so tests can run
// isolated instances side by side.
//
// Locking: every mutation takes the write lock; lookups and scoring hold
// the read lock for their full scan so callers observe an atomic snapshot.
type Registry struct {
	mu      sync.RWMutex
	workers map[uint32]*workerEntry
	ids     []uint32 // ascending registration order
	names   map[string]uint32
	nextID  uint32

	// gen versions the catalog for the lookup cache; every mutation bumps
	// it, which implicitly invalidates all cached entries.
	gen     uint64
	lookups *lru.Cache[string, []uint32]

	initialized bool
	pluginDir   string
	provider    CapabilityProvider
	plugins     map[string]*pluginEntry
	watching    bool
}

func New() *Registry {
	cache, _ := lru.New[string, []uint32](lookupCacheSize)
	return &Registry{
		workers: make(map[uint32]*workerEntry),
		names:   make(map[string]uint32),
		nextID:  1,
		lookups: cache,
		plugins: make(map[string]*pluginEntry),
	}
}

// Init loads the built-in catalog and remembers the plugin directory and
// provider for the scanner. Calling it again is a no-op.
func (r *Registry) Init(pluginDir string, provider CapabilityProvider) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return nil
	}
	r.initialized = true
	r.pluginDir = pluginDir
	r.provider = provider
	r.mu.Unlock()

	if err := r.LoadBuiltinCatalog(); err != nil {
		return fmt.Errorf("load builtin catalog: %w", err)
	}
	log.Info().Str("plugin_dir", pluginDir).Msg("registry: initialized")
	return nil
}

// RegisterWorker adds a worker with a fresh monotonically increasing id.
// Display names must be unique across the registry.
func (r *Registry) RegisterWorker(info WorkerInfo) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.names[info.Name]; ok {
		return 0, ErrDuplicateName
	}
	id := r.nextID
	r.nextID++
	r.workers[id] = &workerEntry{
		id:    id,
		info:  info,
		state: WorkerIdle,
		caps:  make(map[string]*Capability),
	}
	r.ids = append(r.ids, id)
	r.names[info.Name] = id
	r.gen++

	log.Info().Str("worker", info.Name).Uint32("id", id).Msg("registry: worker registered")
	return id, nil
}

// UnregisterWorker removes a worker and every capability it owns.
func (r *Registry) UnregisterWorker(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.workers, id)
	delete(r.names, w.info.Name)
	for i, wid := range r.ids {
		if wid == id {
			r.ids = append(r.ids[:i], r.ids[i+1:]...)
			break
		}
	}
	r.gen++

	log.Info().Uint32("id", id).Int("capabilities", len(w.caps)).Msg("registry: worker unregistered")
	return nil
}

// SetWorkerState updates the registry's load view of a worker.
func (r *Registry) SetWorkerState(id uint32, state WorkerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.state = state
	return nil
}

// WorkerByName resolves a display name to a worker id.
func (r *Registry) WorkerByName(name string) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.names[name]
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}

// GetWorker returns a snapshot of one worker including its capabilities.
func (r *Registry) GetWorker(id uint32) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, ErrNotFound
	}
	return snapshotWorker(w), nil
}

func snapshotWorker(w *workerEntry) Worker {
	out := Worker{ID: w.id, Info: w.info, State: w.state}
	for _, c := range w.caps {
		out.Capabilities = append(out.Capabilities, *c)
	}
	return out
}

// RegisterCapability validates and attaches a capability to a worker.
// Validation happens before any mutation; a duplicate name on the same
// worker is rejected and leaves the original entry untouched. An identity
// token is assigned when the caller supplies none.
func (r *Registry) RegisterCapability(workerID uint32, c Capability) error {
	if err := validateCapability(&c); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return ErrWorkerNotFound
	}
	if _, exists := w.caps[c.Name]; exists {
		return ErrDuplicateName
	}
	if c.Token == "" {
		c.Token = uuid.NewString()
	}
	stored := c
	w.caps[c.Name] = &stored
	r.gen++

	log.Debug().Uint32("worker", workerID).Str("capability", c.Name).Str("version", c.Version).
		Msg("registry: capability registered")
	return nil
}

// UnregisterCapability removes a named capability from a worker.
func (r *Registry) UnregisterCapability(workerID uint32, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return ErrWorkerNotFound
	}
	if _, exists := w.caps[name]; !exists {
		return ErrNotFound
	}
	delete(w.caps, name)
	r.gen++
	return nil
}

// WorkerCapabilities returns the capabilities owned by one worker.
func (r *Registry) WorkerCapabilities(workerID uint32) ([]Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	if !ok {
		return nil, ErrWorkerNotFound
	}
	out := make([]Capability, 0, len(w.caps))
	for _, c := range w.caps {
		out = append(out, *c)
	}
	return out, nil
}

// FindWorkersWithCapability returns up to max worker ids carrying an exact
// capability name match; each worker contributes at most once. Results are
// served from a generation-keyed LRU cache that catalog mutations
// implicitly invalidate.
func (r *Registry) FindWorkersWithCapability(name string, max int) []uint32 {
	r.mu.RLock()
	key := fmt.Sprintf("%d/%s", r.gen, name)
	if ids, ok := r.lookups.Get(key); ok {
		r.mu.RUnlock()
		return truncate(ids, max)
	}

	var ids []uint32
	for _, wid := range r.ids {
		if _, ok := r.workers[wid].caps[name]; ok {
			ids = append(ids, wid)
		}
	}
	r.mu.RUnlock()

	r.lookups.Add(key, ids)
	return truncate(ids, max)
}

func truncate(ids []uint32, max int) []uint32 {
	if max > 0 && len(ids) > max {
		return ids[:max]
	}
	return ids
}

// scoreLocked computes the compatibility of one worker against the task
// requirements: matched capability names plus passed coarse resource
// checks, normalized by the total check count.
func scoreLocked(w *workerEntry, req TaskRequirements) float64 {
	score := 0.0
	for _, name := range req.RequiredCapabilities {
		if _, ok := w.caps[name]; ok {
			score++
		}
	}
	if req.MinCPUCores <= w.info.MaxConcurrentTasks {
		score++
	}
	if req.MinMemoryMB <= assumedMemoryMB {
		score++
	}
	if req.MinBandwidthMbps <= assumedBandwidthMbps {
		score++
	}
	return score / float64(len(req.RequiredCapabilities)+3)
}

// FindBestWorkerForTask scores every non-Busy worker and returns the
// strictly highest scorer. Candidates are visited in ascending worker id
// and the incumbent is only replaced by a strictly higher score, so ties
// resolve to the lowest worker id.
func (r *Registry) FindBestWorkerForTask(req TaskRequirements) (uint32, float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var bestID uint32
	bestScore := 0.0
	for _, wid := range r.ids {
		w := r.workers[wid]
		if w.state == WorkerBusy {
			continue
		}
		if s := scoreLocked(w, req); s > bestScore {
			bestScore = s
			bestID = wid
		}
	}
	if bestID == 0 {
		return 0, 0, ErrNoSuitableWorker
	}
	return bestID, bestScore, nil
}

// RankWorkersForTask returns every viable (non-Busy, score > 0) worker in
// descending score order; equal scores keep ascending id order. The
// coordinator walks this list applying its health filter.
func (r *Registry) RankWorkersForTask(req TaskRequirements) []ScoredWorker {
	r.mu.RLock()
	var ranked []ScoredWorker
	for _, wid := range r.ids {
		w := r.workers[wid]
		if w.state == WorkerBusy {
			continue
		}
		if s := scoreLocked(w, req); s > 0 {
			ranked = append(ranked, ScoredWorker{WorkerID: wid, Score: s})
		}
	}
	r.mu.RUnlock()

	// Insertion order is ascending id; a stable sort keeps it for ties.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].Score > ranked[j-1].Score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	return ranked
}

// Stats summarizes workers, capabilities and the plugin scanner.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		TotalWorkers: len(r.workers),
		PluginDir:    r.pluginDir,
		PluginWatch:  r.watching,
	}
	for _, w := range r.workers {
		s.TotalCapabilities += len(w.caps)
		switch w.state {
		case WorkerIdle:
			s.IdleWorkers++
		case WorkerBusy:
			s.BusyWorkers++
		case WorkerError:
			s.ErrorWorkers++
		}
	}
	return s
}
