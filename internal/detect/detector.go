package detect

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"deskagent/internal/config"
)

// Descriptor describes one selectable backend. Immutable after detection and
// shared by every conversation that picks it.
type Descriptor struct {
	BackendID   string   `json:"backend_id"`
	DisplayName string   `json:"display_name"`
	Path        string   `json:"path,omitempty"`
	Args        []string `json:"args,omitempty"`
	CustomID    string   `json:"custom_id,omitempty"`
	Preset      bool     `json:"preset"`
	ContextHint string   `json:"context_hint,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
}

// IsCustom reports whether the descriptor came from user configuration
// rather than CLI probing.
func (d Descriptor) IsCustom() bool { return d.CustomID != "" }

type candidate struct {
	BackendID   string
	DisplayName string
	Binary      string
	Args        []string
}

// presetCandidates are probed in order; the order is preserved in the
// detection result.
var presetCandidates = []candidate{
	{BackendID: "claude", DisplayName: "Claude Code", Binary: "claude"},
	{BackendID: "codex", DisplayName: "Codex CLI", Binary: "codex"},
	{BackendID: "gemini-cli", DisplayName: "Gemini CLI", Binary: "gemini"},
}

// builtinDescriptor is offered first whenever at least one CLI probe
// succeeded, so the picker always has a usable built-in choice.
var builtinDescriptor = Descriptor{
	BackendID:   "builtin-gemini",
	DisplayName: "Gemini (built-in)",
	Preset:      true,
}

const defaultProbeTimeout = 1200 * time.Millisecond

type Options struct {
	ProbeTimeout time.Duration

	// LoadCustomAgents reads external custom-agent configuration. A
	// not-found error is the expected empty case; any other failure is
	// logged and treated as zero custom agents.
	LoadCustomAgents func() ([]config.CustomAgent, error)

	// Lookup overrides the platform lookup command, used by tests.
	Lookup func(ctx context.Context, binary string) (string, error)

	Logf func(format string, args ...any)
}

// Detector probes the host for installed agent CLIs once per process and
// merges user-defined custom agents into the result.
type Detector struct {
	probeTimeout time.Duration
	loadCustom   func() ([]config.CustomAgent, error)
	lookup       func(ctx context.Context, binary string) (string, error)
	logf         func(format string, args ...any)

	initOnce sync.Once

	mu     sync.RWMutex
	agents []Descriptor
}

func New(opts Options) *Detector {
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	lookup := opts.Lookup
	if lookup == nil {
		lookup = lookupCommand
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Detector{
		probeTimeout: timeout,
		loadCustom:   opts.LoadCustomAgents,
		lookup:       lookup,
		logf:         logf,
	}
}

// Initialize performs detection at most once per process lifetime. Repeat
// calls return without re-running any probe; a call that arrives while the
// first detection is still in flight blocks until the cached list exists.
func (d *Detector) Initialize(ctx context.Context) error {
	if d == nil {
		return errors.New("nil detector")
	}
	d.initOnce.Do(func() { d.detect(ctx) })
	return nil
}

func (d *Detector) detect(ctx context.Context) {
	type probeResult struct {
		path string
		ok   bool
	}
	results := make([]probeResult, len(presetCandidates))

	// Fan out one probe per candidate and join with all-settled semantics: a
	// hung or failing probe only costs its own timeout, never the others.
	var wg sync.WaitGroup
	for i, cand := range presetCandidates {
		wg.Add(1)
		go func(i int, cand candidate) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
			defer cancel()
			path, err := d.lookup(probeCtx, cand.Binary)
			if err != nil {
				d.logf("probe %s: not available: %v", cand.Binary, err)
				return
			}
			results[i] = probeResult{path: path, ok: true}
		}(i, cand)
	}
	wg.Wait()

	agents := make([]Descriptor, 0, len(presetCandidates)+2)
	anyCLI := false
	for _, r := range results {
		if r.ok {
			anyCLI = true
			break
		}
	}
	if anyCLI {
		agents = append(agents, builtinDescriptor)
	}
	for i, cand := range presetCandidates {
		if !results[i].ok {
			continue
		}
		agents = append(agents, Descriptor{
			BackendID:   cand.BackendID,
			DisplayName: cand.DisplayName,
			Path:        results[i].path,
			Args:        cand.Args,
			Preset:      true,
		})
	}
	agents = append(agents, d.customDescriptors()...)

	d.mu.Lock()
	d.agents = agents
	d.mu.Unlock()
	d.logf("detection complete: %d backend(s)", len(agents))
}

func (d *Detector) customDescriptors() []Descriptor {
	if d.loadCustom == nil {
		return nil
	}
	custom, err := d.loadCustom()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		// Malformed custom-agent config must not fail startup.
		d.logf("custom agents unavailable: %v", err)
		return nil
	}
	out := make([]Descriptor, 0, len(custom))
	for _, c := range custom {
		id := strings.TrimSpace(c.ID)
		cmd := strings.TrimSpace(c.Command)
		if id == "" || cmd == "" {
			continue
		}
		name := strings.TrimSpace(c.Name)
		if name == "" {
			name = id
		}
		out = append(out, Descriptor{
			BackendID:   "custom:" + id,
			DisplayName: name,
			Path:        cmd,
			Args:        c.Args,
			CustomID:    id,
			ContextHint: c.Context,
			Avatar:      c.Avatar,
		})
	}
	return out
}

// RefreshCustomAgents replaces only custom entries, leaving CLI-detected
// entries untouched so editing custom agents never re-runs probing.
func (d *Detector) RefreshCustomAgents() {
	if d == nil {
		return
	}
	fresh := d.customDescriptors()

	d.mu.Lock()
	defer d.mu.Unlock()
	kept := make([]Descriptor, 0, len(d.agents)+len(fresh))
	for _, a := range d.agents {
		if !a.IsCustom() {
			kept = append(kept, a)
		}
	}
	d.agents = append(kept, fresh...)
}

func (d *Detector) HasAgents() bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.agents) > 0
}

// DetectedAgents returns a snapshot copy of the cached detection result.
func (d *Detector) DetectedAgents() []Descriptor {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Descriptor, len(d.agents))
	copy(out, d.agents)
	return out
}

// Find resolves a backend id against the detection result.
func (d *Detector) Find(backendID string) (Descriptor, bool) {
	if d == nil {
		return Descriptor{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range d.agents {
		if a.BackendID == backendID {
			return a, true
		}
	}
	return Descriptor{}, false
}

// lookupCommand resolves a binary with which/where. On Windows, a failed
// `where` is retried through the shell so .cmd/.ps1 shims are still found.
func lookupCommand(ctx context.Context, binary string) (string, error) {
	name := strings.TrimSpace(binary)
	if name == "" {
		return "", errors.New("binary name is required")
	}

	if runtime.GOOS == "windows" {
		out, err := exec.CommandContext(ctx, "where", name).Output()
		if err == nil {
			return firstLine(out), nil
		}
		out, err = exec.CommandContext(ctx, "cmd", "/C", "where "+name).Output()
		if err != nil {
			return "", err
		}
		return firstLine(out), nil
	}

	out, err := exec.CommandContext(ctx, "which", name).Output()
	if err != nil {
		return "", err
	}
	return firstLine(out), nil
}

func firstLine(out []byte) string {
	text := strings.TrimSpace(string(out))
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}
