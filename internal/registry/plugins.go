package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CapabilitySet is what a plugin contributes: a worker identity plus the
// capabilities it implements.
type CapabilitySet struct {
	Worker       WorkerInfo
	Capabilities []Capability
}

// CapabilityProvider abstracts the native plugin loader. ListPlugins
// enumerates loadable plugin paths; Load produces the capability set for
// one of them.
type CapabilityProvider interface {
	ListPlugins() ([]string, error)
	Load(path string) (CapabilitySet, error)
}

// PluginState tracks one plugin file through its lifecycle. A plugin whose
// on-disk modification time passes its recorded load time becomes
// PluginPending until ReloadPlugin is called; the pending status is
// queryable, never silently dropped.
type PluginState int

const (
	PluginLoaded PluginState = iota
	PluginPending
)

func (s PluginState) String() string {
	if s == PluginPending {
		return "pending-reload"
	}
	return "loaded"
}

// PluginStatus is the scanner's view of one plugin file.
type PluginStatus struct {
	Path     string
	State    PluginState
	LoadedAt time.Time
	ModTime  time.Time
	WorkerID uint32
}

type pluginEntry struct {
	loadedAt time.Time
	modTime  time.Time
	state    PluginState
	workerID uint32
}

func isPluginFile(name string) bool {
	return strings.HasSuffix(name, ".so") || strings.HasSuffix(name, ".dylib")
}

// ScanPlugins performs one pass over the plugin directory, comparing
// on-disk modification times against recorded load times. Stat calls run
// before the lock is taken; the lock is held only to compare and flag.
// It returns the plugins flagged stale by this pass.
func (r *Registry) ScanPlugins() []PluginStatus {
	r.mu.RLock()
	dir := r.pluginDir
	r.mu.RUnlock()
	if dir == "" {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Debug().Err(err).Str("dir", dir).Msg("registry: plugin scan skipped")
		return nil
	}

	type stat struct {
		path    string
		modTime time.Time
	}
	var stats []stat
	for _, e := range entries {
		if e.IsDir() || !isPluginFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats = append(stats, stat{path: filepath.Join(dir, e.Name()), modTime: info.ModTime()})
	}

	var flagged []PluginStatus
	r.mu.Lock()
	for _, st := range stats {
		p, known := r.plugins[st.path]
		if !known {
			// First sighting: record it as pending so the operator can
			// decide to load it.
			p = &pluginEntry{state: PluginPending, modTime: st.modTime}
			r.plugins[st.path] = p
			flagged = append(flagged, PluginStatus{Path: st.path, State: PluginPending, ModTime: st.modTime})
			continue
		}
		p.modTime = st.modTime
		if p.state == PluginLoaded && st.modTime.After(p.loadedAt) {
			p.state = PluginPending
			flagged = append(flagged, PluginStatus{
				Path: st.path, State: PluginPending, LoadedAt: p.loadedAt, ModTime: st.modTime, WorkerID: p.workerID,
			})
		}
	}
	r.mu.Unlock()

	for _, f := range flagged {
		log.Info().Str("plugin", f.Path).Msg("registry: plugin pending reload")
	}
	return flagged
}

// WatchPlugins scans on a fixed cadence until the context is cancelled.
func (r *Registry) WatchPlugins(ctx context.Context, interval time.Duration) {
	r.mu.Lock()
	r.watching = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.watching = false
		r.mu.Unlock()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ScanPlugins()
		}
	}
}

// ReloadPlugin is the explicit reload action for a pending plugin: it runs
// the provider's loader, replaces the plugin's previous worker (if any) and
// registers the fresh capability set.
func (r *Registry) ReloadPlugin(path string) error {
	r.mu.RLock()
	provider := r.provider
	prev, known := r.plugins[path]
	r.mu.RUnlock()

	if provider == nil {
		return ErrNoProvider
	}

	set, err := provider.Load(path)
	if err != nil {
		return err
	}

	if known && prev.workerID != 0 {
		// Stale capability set from the previous load goes away first.
		if err := r.UnregisterWorker(prev.workerID); err != nil && err != ErrNotFound {
			return err
		}
	}
	id, err := r.RegisterWorker(set.Worker)
	if err != nil {
		return err
	}
	for _, c := range set.Capabilities {
		if err := r.RegisterCapability(id, c); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.plugins[path] = &pluginEntry{
		loadedAt: time.Now(),
		modTime:  time.Now(),
		state:    PluginLoaded,
		workerID: id,
	}
	r.mu.Unlock()

	log.Info().Str("plugin", path).Uint32("worker", id).Int("capabilities", len(set.Capabilities)).
		Msg("registry: plugin loaded")
	return nil
}

// PluginStatuses lists every plugin the scanner has seen.
func (r *Registry) PluginStatuses() []PluginStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PluginStatus, 0, len(r.plugins))
	for path, p := range r.plugins {
		out = append(out, PluginStatus{
			Path:     path,
			State:    p.state,
			LoadedAt: p.loadedAt,
			ModTime:  p.modTime,
			WorkerID: p.workerID,
		})
	}
	return out
}
