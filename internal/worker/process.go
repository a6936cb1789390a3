package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"deskagent/internal/applog"
	"deskagent/internal/approval"
	"deskagent/internal/stream"
)

// processRunner drives a CLI-backed agent as a separate OS process speaking
// line-delimited JSON over stdio. A crash or hang in the agent cannot take
// down the host.
type processRunner struct {
	w      *Worker
	cmd    *exec.Cmd
	cancel context.CancelFunc

	encMu sync.Mutex
	stdin io.WriteCloser
	enc   *json.Encoder
}

// wireOp is one control operation written to the agent's stdin.
type wireOp struct {
	Op       string      `json:"op"`
	Config   *InitConfig `json:"config,omitempty"`
	Input    string      `json:"input,omitempty"`
	MsgID    string      `json:"msg_id,omitempty"`
	Files    []string    `json:"files,omitempty"`
	Text     string      `json:"text,omitempty"`
	CallID   string      `json:"call_id,omitempty"`
	Decision string      `json:"decision,omitempty"`
}

// wireEvent is one line read from the agent's stdout: either a stream event
// or a confirmation request.
type wireEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	ErrCode    string `json:"err_code,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Action     string `json:"action,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

const wireConfirmRequest = "confirm_request"

func startProcessRunner(w *Worker) (*processRunner, error) {
	if w.backend.Path == "" {
		return nil, fmt.Errorf("backend %s has no invocation path", w.backend.BackendID)
	}

	// The process outlives the Start call; its lifetime is the worker's.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, w.backend.Path, w.backend.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", w.backend.Path, err)
	}

	r := &processRunner{w: w, cmd: cmd, cancel: cancel, stdin: stdin, enc: json.NewEncoder(stdin)}
	go r.readLoop(procCtx, stdout)
	go r.drainStderr(stderr)
	go r.waitMonitor()
	return r, nil
}

func (r *processRunner) write(op wireOp) error {
	r.encMu.Lock()
	defer r.encMu.Unlock()
	if err := r.enc.Encode(op); err != nil {
		return fmt.Errorf("write %s to agent: %w", op.Op, err)
	}
	return nil
}

func (r *processRunner) Init(_ context.Context, cfg InitConfig) error {
	return r.write(wireOp{Op: "init", Config: &cfg})
}

func (r *processRunner) Send(_ context.Context, input, msgID string, files []string) error {
	return r.write(wireOp{Op: "send", Input: input, MsgID: msgID, Files: files})
}

func (r *processRunner) InjectHistory(_ context.Context, text string) error {
	return r.write(wireOp{Op: "inject_history", Text: text})
}

func (r *processRunner) Stop() error {
	return r.write(wireOp{Op: "stop"})
}

func (r *processRunner) Close() error {
	// Cooperative first, then the pipe close and context cancel make the
	// exit unconditional.
	_ = r.write(wireOp{Op: "stop"})
	_ = r.stdin.Close()
	r.cancel()
	return nil
}

func (r *processRunner) readLoop(ctx context.Context, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev wireEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			r.w.logf("agent %s: unparseable line: %v", r.w.conversationID, err)
			r.w.dispatchEvent(stream.AgentEvent{Type: stream.EventType("malformed"), Text: applog.Preview(string(line), 120)})
			continue
		}
		if ev.Type == wireConfirmRequest {
			go r.resolveConfirmation(ctx, ev)
			continue
		}
		r.w.dispatchEvent(stream.AgentEvent{Type: stream.EventType(ev.Type), Text: ev.Text, ErrCode: ev.ErrCode})
	}
	if err := scanner.Err(); err != nil {
		r.w.logf("agent %s: stdout read: %v", r.w.conversationID, err)
	}
}

// resolveConfirmation parks on the worker's decision path and writes the
// answer back keyed by the agent's call id.
func (r *processRunner) resolveConfirmation(ctx context.Context, ev wireEvent) {
	key := approval.Key{Action: ev.Action, Identifier: ev.Identifier}
	allowed, err := r.w.awaitDecision(ctx, ev.CallID, key)
	if err != nil {
		// A dead conversation answers "reject" so the agent side never
		// hangs either.
		r.w.logf("confirmation %s cancelled: %v", ev.CallID, err)
		allowed = false
	}
	decision := "reject"
	if allowed {
		decision = "allow"
	}
	if err := r.write(wireOp{Op: "confirm", CallID: ev.CallID, Decision: decision}); err != nil {
		r.w.logf("confirmation %s reply failed: %v", ev.CallID, err)
	}
}

func (r *processRunner) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		r.w.logf("agent %s stderr: %s", r.w.conversationID, scanner.Text())
	}
}

// waitMonitor turns an unexpected subprocess exit into a synthesized
// terminal error so callers never wait on a dead worker.
func (r *processRunner) waitMonitor() {
	err := r.cmd.Wait()
	if r.w.isClosed() {
		return
	}
	cause := "agent process exited unexpectedly"
	if err != nil {
		cause = fmt.Sprintf("agent process exited unexpectedly: %v", err)
	}
	r.w.closeWithError(cause)
}
