package detect

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"deskagent/internal/config"
)

func stubLookup(available map[string]string, calls *atomic.Int64) func(context.Context, string) (string, error) {
	return func(_ context.Context, binary string) (string, error) {
		if calls != nil {
			calls.Add(1)
		}
		if path, ok := available[binary]; ok {
			return path, nil
		}
		return "", errors.New("not found")
	}
}

func TestDetector_InitializeIdempotent(t *testing.T) {
	var calls atomic.Int64
	d := New(Options{
		Lookup: stubLookup(map[string]string{"claude": "/usr/bin/claude"}, &calls),
	})

	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	first := calls.Load()
	if first == 0 {
		t.Fatalf("expected probes to run on first initialize")
	}
	agents := d.DetectedAgents()

	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if calls.Load() != first {
		t.Fatalf("expected no probes on second initialize, got %d extra", calls.Load()-first)
	}
	again := d.DetectedAgents()
	if len(again) != len(agents) {
		t.Fatalf("expected cached result, got %d then %d agents", len(agents), len(again))
	}
}

func TestDetector_ConcurrentInitializeWaitsForFirstDetection(t *testing.T) {
	var calls atomic.Int64
	d := New(Options{
		Lookup: func(_ context.Context, binary string) (string, error) {
			calls.Add(1)
			time.Sleep(50 * time.Millisecond) // keep the first detection in flight
			if binary == "claude" {
				return "/usr/bin/claude", nil
			}
			return "", errors.New("not found")
		},
	})

	started := make(chan struct{})
	go func() {
		close(started)
		_ = d.Initialize(context.Background())
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	// The second caller must not return an empty list just because the first
	// detection has not finished yet.
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("concurrent initialize: %v", err)
	}
	if !d.HasAgents() {
		t.Fatalf("initialize returned before the first detection populated the list")
	}
	if calls.Load() != int64(len(presetCandidates)) {
		t.Fatalf("expected exactly one probe per candidate, got %d", calls.Load())
	}
}

func TestDetector_BuiltinFirstWhenCLIFound(t *testing.T) {
	d := New(Options{
		Lookup: stubLookup(map[string]string{"codex": "/usr/local/bin/codex"}, nil),
	})
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	agents := d.DetectedAgents()
	if len(agents) != 2 {
		t.Fatalf("expected builtin + codex, got %d agents", len(agents))
	}
	if agents[0].BackendID != "builtin-gemini" {
		t.Fatalf("expected builtin first, got %s", agents[0].BackendID)
	}
	if agents[1].BackendID != "codex" || agents[1].Path != "/usr/local/bin/codex" {
		t.Fatalf("unexpected second agent: %+v", agents[1])
	}
}

func TestDetector_NoBuiltinWithoutCLI(t *testing.T) {
	d := New(Options{
		Lookup: stubLookup(nil, nil),
	})
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if d.HasAgents() {
		t.Fatalf("expected no agents when no CLI is installed")
	}
}

func TestDetector_FailedProbeDoesNotAbortOthers(t *testing.T) {
	d := New(Options{
		ProbeTimeout: 50 * time.Millisecond,
		Lookup: func(ctx context.Context, binary string) (string, error) {
			if binary == "claude" {
				<-ctx.Done() // simulate a hung probe
				return "", ctx.Err()
			}
			return "/bin/" + binary, nil
		},
	})
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, ok := d.Find("codex"); !ok {
		t.Fatalf("expected codex despite claude probe hanging")
	}
	if _, ok := d.Find("claude"); ok {
		t.Fatalf("expected hung claude probe to read as not available")
	}
}

func TestDetector_CustomAgentsAppendedAndRefreshed(t *testing.T) {
	custom := []config.CustomAgent{{ID: "mybot", Name: "My Bot", Command: "/opt/mybot"}}
	var probes atomic.Int64
	d := New(Options{
		Lookup: stubLookup(map[string]string{"claude": "/usr/bin/claude"}, &probes),
		LoadCustomAgents: func() ([]config.CustomAgent, error) {
			return custom, nil
		},
	})
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	agents := d.DetectedAgents()
	last := agents[len(agents)-1]
	if last.CustomID != "mybot" {
		t.Fatalf("expected custom agent appended last, got %+v", last)
	}

	probesBefore := probes.Load()
	custom = []config.CustomAgent{
		{ID: "mybot", Name: "My Bot v2", Command: "/opt/mybot"},
		{ID: "other", Name: "Other", Command: "/opt/other"},
	}
	d.RefreshCustomAgents()
	if probes.Load() != probesBefore {
		t.Fatalf("refresh must not re-run CLI probes")
	}
	agents = d.DetectedAgents()
	if agents[0].BackendID != "builtin-gemini" || agents[1].BackendID != "claude" {
		t.Fatalf("refresh must leave detected entries untouched: %+v", agents[:2])
	}
	found := 0
	for _, a := range agents {
		if a.IsCustom() {
			found++
		}
	}
	if found != 2 {
		t.Fatalf("expected 2 custom agents after refresh, got %d", found)
	}
}

func TestDetector_CustomConfigMissingIsEmptyCase(t *testing.T) {
	d := New(Options{
		Lookup: stubLookup(map[string]string{"claude": "/usr/bin/claude"}, nil),
		LoadCustomAgents: func() ([]config.CustomAgent, error) {
			return nil, os.ErrNotExist
		},
	})
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("missing custom config must not fail detection: %v", err)
	}
	if !d.HasAgents() {
		t.Fatalf("expected detected CLI agents")
	}
}
