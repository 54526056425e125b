package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testWorker(name string) WorkerInfo {
	return WorkerInfo{
		Name:               name,
		Version:            "1.0.0",
		MaxConcurrentTasks: 4,
		HeartbeatInterval:  time.Second,
	}
}

func TestRegisterWorker(t *testing.T) {
	r := New()

	id, err := r.RegisterWorker(testWorker("alpha"))
	if err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	if id != 1 {
		t.Errorf("expected first id 1, got %d", id)
	}

	if _, err := r.RegisterWorker(testWorker("alpha")); err != ErrDuplicateName {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}

	id2, err := r.RegisterWorker(testWorker("beta"))
	if err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	if id2 != 2 {
		t.Errorf("expected monotonically increasing id 2, got %d", id2)
	}
}

func TestUnregisterWorkerCascades(t *testing.T) {
	r := New()
	id, _ := r.RegisterWorker(testWorker("alpha"))
	if err := r.RegisterCapability(id, Capability{Name: "pathfinding", Version: "1.0.0"}); err != nil {
		t.Fatalf("RegisterCapability failed: %v", err)
	}

	if err := r.UnregisterWorker(id); err != nil {
		t.Fatalf("UnregisterWorker failed: %v", err)
	}
	if err := r.UnregisterWorker(id); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if ids := r.FindWorkersWithCapability("pathfinding", 10); len(ids) != 0 {
		t.Errorf("expected no workers after cascade, got %v", ids)
	}
}

func TestCapabilityRoundTrip(t *testing.T) {
	r := New()
	id, _ := r.RegisterWorker(testWorker("alpha"))

	in := Capability{
		Name:     "metal_rendering",
		Version:  "2.1.0",
		Category: CategoryRendering,
		Priority: PriorityCritical,
	}
	if err := r.RegisterCapability(id, in); err != nil {
		t.Fatalf("RegisterCapability failed: %v", err)
	}

	caps, err := r.WorkerCapabilities(id)
	if err != nil {
		t.Fatalf("WorkerCapabilities failed: %v", err)
	}
	if len(caps) != 1 {
		t.Fatalf("expected exactly 1 capability, got %d", len(caps))
	}
	got := caps[0]
	if got.Name != in.Name || got.Version != in.Version || got.Category != in.Category {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.Token == "" {
		t.Error("expected auto-assigned identity token")
	}
}

func TestDuplicateCapabilityLeavesOriginal(t *testing.T) {
	r := New()
	id, _ := r.RegisterWorker(testWorker("alpha"))

	orig := Capability{Name: "physics", Version: "1.0.0", Category: CategorySimulation}
	if err := r.RegisterCapability(id, orig); err != nil {
		t.Fatalf("RegisterCapability failed: %v", err)
	}

	dup := Capability{Name: "physics", Version: "9.9.9", Category: CategoryAI}
	if err := r.RegisterCapability(id, dup); err != ErrDuplicateName {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}

	caps, _ := r.WorkerCapabilities(id)
	if len(caps) != 1 || caps[0].Version != "1.0.0" || caps[0].Category != CategorySimulation {
		t.Errorf("original capability was disturbed: %+v", caps)
	}
}

func TestCapabilityValidation(t *testing.T) {
	r := New()
	id, _ := r.RegisterWorker(testWorker("alpha"))

	cases := []struct {
		name string
		cap  Capability
	}{
		{"empty name", Capability{Version: "1.0.0"}},
		{"empty version", Capability{Name: "x"}},
		{"bad category", Capability{Name: "x", Version: "1.0.0", Category: Category(99)}},
		{"bad priority", Capability{Name: "x", Version: "1.0.0", Priority: Priority(99)}},
		{"too many deps", Capability{Name: "x", Version: "1.0.0",
			Dependencies: []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}}},
	}
	for _, tc := range cases {
		err := r.RegisterCapability(id, tc.cap)
		var ve ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}

	if err := r.RegisterCapability(42, Capability{Name: "x", Version: "1.0.0"}); err != ErrWorkerNotFound {
		t.Errorf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestFindWorkersWithCapability(t *testing.T) {
	r := New()
	for _, name := range []string{"a", "b", "c"} {
		id, _ := r.RegisterWorker(testWorker(name))
		_ = r.RegisterCapability(id, Capability{Name: "render", Version: "1.0.0"})
	}

	ids := r.FindWorkersWithCapability("render", 10)
	if len(ids) != 3 {
		t.Fatalf("expected 3 workers, got %d", len(ids))
	}
	// Cached path returns the same answer.
	if again := r.FindWorkersWithCapability("render", 10); len(again) != 3 {
		t.Fatalf("cached lookup diverged: %v", again)
	}

	if capped := r.FindWorkersWithCapability("render", 2); len(capped) != 2 {
		t.Errorf("expected max_results to cap at 2, got %d", len(capped))
	}

	// A mutation must invalidate the cached result.
	id4, _ := r.RegisterWorker(testWorker("d"))
	_ = r.RegisterCapability(id4, Capability{Name: "render", Version: "1.0.0"})
	if ids = r.FindWorkersWithCapability("render", 10); len(ids) != 4 {
		t.Errorf("expected 4 workers after mutation, got %d", len(ids))
	}
}

func TestFindBestWorkerSkipsBusy(t *testing.T) {
	r := New()
	busy, _ := r.RegisterWorker(testWorker("busy"))
	_ = r.RegisterCapability(busy, Capability{Name: "render", Version: "1.0.0"})
	_ = r.SetWorkerState(busy, WorkerBusy)

	idle, _ := r.RegisterWorker(testWorker("idle"))
	_ = r.RegisterCapability(idle, Capability{Name: "render", Version: "1.0.0"})

	req := TaskRequirements{RequiredCapabilities: []string{"render"}, MinCPUCores: 1}
	id, _, err := r.FindBestWorkerForTask(req)
	if err != nil {
		t.Fatalf("FindBestWorkerForTask failed: %v", err)
	}
	if id != idle {
		t.Errorf("expected idle worker %d, got %d", idle, id)
	}
}

func TestFindBestWorkerPerfectScore(t *testing.T) {
	// A worker holding the one required capability with all resource
	// checks passing scores 4/4.
	r := New()
	id, _ := r.RegisterWorker(testWorker("gpu"))
	_ = r.RegisterCapability(id, Capability{Name: "metal_rendering", Version: "1.0.0", Category: CategoryRendering})

	req := TaskRequirements{
		RequiredCapabilities: []string{"metal_rendering"},
		MinCPUCores:          1,
		MinMemoryMB:          100,
		MinBandwidthMbps:     1,
	}
	got, score, err := r.FindBestWorkerForTask(req)
	if err != nil {
		t.Fatalf("FindBestWorkerForTask failed: %v", err)
	}
	if got != id {
		t.Errorf("expected worker %d, got %d", id, got)
	}
	if score != 1.0 {
		t.Errorf("expected score 1.0, got %f", score)
	}
}

func TestFindBestWorkerTieBreak(t *testing.T) {
	// Two identical workers: the lowest id wins.
	r := New()
	first, _ := r.RegisterWorker(testWorker("first"))
	_ = r.RegisterCapability(first, Capability{Name: "render", Version: "1.0.0"})
	second, _ := r.RegisterWorker(testWorker("second"))
	_ = r.RegisterCapability(second, Capability{Name: "render", Version: "1.0.0"})

	req := TaskRequirements{RequiredCapabilities: []string{"render"}, MinCPUCores: 1}
	id, _, err := r.FindBestWorkerForTask(req)
	if err != nil {
		t.Fatalf("FindBestWorkerForTask failed: %v", err)
	}
	if id != first {
		t.Errorf("tie should resolve to lowest id %d, got %d", first, id)
	}
}

func TestFindBestWorkerNoCandidates(t *testing.T) {
	r := New()
	// MinCPUCores above capacity and huge resource demands push every
	// check to fail; with no registered workers at all the scan finds
	// nothing viable either way.
	req := TaskRequirements{RequiredCapabilities: []string{"nonexistent"}}
	if _, _, err := r.FindBestWorkerForTask(req); err != ErrNoSuitableWorker {
		t.Errorf("expected ErrNoSuitableWorker, got %v", err)
	}
}

func TestRankWorkersForTask(t *testing.T) {
	r := New()
	plain, _ := r.RegisterWorker(testWorker("plain"))
	gpu, _ := r.RegisterWorker(testWorker("gpu"))
	_ = r.RegisterCapability(gpu, Capability{Name: "render", Version: "1.0.0"})

	req := TaskRequirements{RequiredCapabilities: []string{"render"}, MinCPUCores: 1}
	ranked := r.RankWorkersForTask(req)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 ranked workers, got %d", len(ranked))
	}
	if ranked[0].WorkerID != gpu {
		t.Errorf("expected capability holder first, got %d", ranked[0].WorkerID)
	}
	if ranked[1].WorkerID != plain {
		t.Errorf("expected plain worker second, got %d", ranked[1].WorkerID)
	}
	if ranked[0].Score <= ranked[1].Score {
		t.Errorf("scores not descending: %+v", ranked)
	}
}

func TestInitIdempotent(t *testing.T) {
	r := New()
	if err := r.Init("", nil); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	before := r.Stats().TotalWorkers
	if before == 0 {
		t.Fatal("expected builtin catalog workers")
	}
	if err := r.Init("", nil); err != nil {
		t.Fatalf("second Init failed: %v", err)
	}
	if after := r.Stats().TotalWorkers; after != before {
		t.Errorf("Init is not idempotent: %d != %d", after, before)
	}

	// Scenario from the builtin catalog: the graphics worker holds
	// metal_rendering and matches a render task perfectly.
	req := TaskRequirements{
		RequiredCapabilities: []string{"metal_rendering"},
		MinCPUCores:          1,
		MinMemoryMB:          100,
		MinBandwidthMbps:     1,
	}
	id, score, err := r.FindBestWorkerForTask(req)
	if err != nil {
		t.Fatalf("FindBestWorkerForTask failed: %v", err)
	}
	w, _ := r.GetWorker(id)
	if w.Info.Name != "graphics" {
		t.Errorf("expected graphics worker, got %q", w.Info.Name)
	}
	if score != 1.0 {
		t.Errorf("expected score 1.0, got %f", score)
	}
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		sign int
	}{
		{"1.0.0", "1.0.0", 0},
		{"2.0.0", "1.9.9", 1},
		{"1.2.0", "1.10.0", -1},
		{"1.0.5", "1.0.4", 1},
	}
	for _, tc := range cases {
		got := CompareVersions(tc.a, tc.b)
		switch {
		case tc.sign == 0 && got != 0:
			t.Errorf("%s vs %s: expected 0, got %d", tc.a, tc.b, got)
		case tc.sign > 0 && got <= 0:
			t.Errorf("%s vs %s: expected positive, got %d", tc.a, tc.b, got)
		case tc.sign < 0 && got >= 0:
			t.Errorf("%s vs %s: expected negative, got %d", tc.a, tc.b, got)
		}
	}
}

// fakeProvider serves capability sets from memory.
type fakeProvider struct {
	sets map[string]CapabilitySet
}

func (f *fakeProvider) ListPlugins() ([]string, error) {
	var paths []string
	for p := range f.sets {
		paths = append(paths, p)
	}
	return paths, nil
}

func (f *fakeProvider) Load(path string) (CapabilitySet, error) {
	set, ok := f.sets[path]
	if !ok {
		return CapabilitySet{}, os.ErrNotExist
	}
	return set, nil
}

func TestPluginScanAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "traffic.so")
	if err := os.WriteFile(path, []byte("plugin"), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}

	provider := &fakeProvider{sets: map[string]CapabilitySet{
		path: {
			Worker: testWorker("traffic-plugin"),
			Capabilities: []Capability{
				{Name: "traffic_simulation", Version: "1.0.0", Category: CategorySimulation},
			},
		},
	}}

	r := New()
	if err := r.Init(dir, provider); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	// First sighting flags the plugin pending; it stays pending until the
	// explicit reload.
	flagged := r.ScanPlugins()
	if len(flagged) != 1 || flagged[0].State != PluginPending {
		t.Fatalf("expected 1 pending plugin, got %+v", flagged)
	}

	if err := r.ReloadPlugin(path); err != nil {
		t.Fatalf("ReloadPlugin failed: %v", err)
	}
	statuses := r.PluginStatuses()
	if len(statuses) != 1 || statuses[0].State != PluginLoaded {
		t.Fatalf("expected loaded plugin, got %+v", statuses)
	}
	if ids := r.FindWorkersWithCapability("traffic_simulation", 5); len(ids) != 1 {
		t.Fatalf("expected plugin capability registered, got %v", ids)
	}

	// Touch the file past the load time: the next scan flags it stale.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	flagged = r.ScanPlugins()
	if len(flagged) != 1 || flagged[0].State != PluginPending {
		t.Fatalf("expected stale plugin flagged, got %+v", flagged)
	}

	// Reload replaces the previous plugin worker rather than duplicating.
	if err := r.ReloadPlugin(path); err != nil {
		t.Fatalf("second ReloadPlugin failed: %v", err)
	}
	if ids := r.FindWorkersWithCapability("traffic_simulation", 5); len(ids) != 1 {
		t.Errorf("expected exactly one plugin worker after reload, got %v", ids)
	}
}

func TestReloadWithoutProvider(t *testing.T) {
	r := New()
	if err := r.Init(t.TempDir(), nil); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := r.ReloadPlugin("missing.so"); err != ErrNoProvider {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}
