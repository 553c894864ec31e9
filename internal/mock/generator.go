// Package mock writes synthetic agent session logs so the live pipeline
// can be demoed without an agent installed.
package mock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/tombelieber/claude-view-sub001/internal/logging"
)

const defaultInterval = 2 * time.Second

type pattern int

const (
	steady  pattern = iota // works in a loop of short turns
	stall                  // works, then goes quiet for a while
	ask                    // stops on a question for the user, then resumes
	deliver                // commits its work and stops writing
)

type mockSession struct {
	id      string
	project string
	model   string
	path    string
	pattern pattern
	tools   []string
	prompts []string

	tick    int
	step    int // position in the turn cycle
	toolID  string
	msgID   string
	tokens  int64
	waiting int // ticks left before an open question is answered
	done    bool
}

type Generator struct {
	root     string
	interval time.Duration
	rng      *rand.Rand
	now      func() time.Time
	sessions []*mockSession
}

type Option func(*Generator)

func WithInterval(d time.Duration) Option {
	return func(g *Generator) { g.interval = d }
}

// WithSeed makes the generated tokens and tool choices reproducible.
func WithSeed(seed int64) Option {
	return func(g *Generator) { g.rng = rand.New(rand.NewSource(seed)) }
}

// NewGenerator prepares mock sessions whose logs live under root, laid out
// like the agent's own projects directory.
func NewGenerator(root string, opts ...Option) *Generator {
	g := &Generator{
		root:     root,
		interval: defaultInterval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.sessions = []*mockSession{
		{
			project: "/home/user/myproject", model: "claude-opus-4-5-20251101", pattern: steady,
			tools:   []string{"Read", "Grep", "Edit", "Bash", "Edit", "Read"},
			prompts: []string{"Refactor the config loader", "Now add tests for it", "Run the linter"},
		},
		{
			project: "/home/user/webapp", model: "claude-sonnet-4-5-20250929", pattern: stall,
			tools:   []string{"Read", "Write", "Bash", "Bash"},
			prompts: []string{"Fix the failing login test", "Check the other browser suites"},
		},
		{
			project: "/home/user/api-server", model: "claude-sonnet-4-5-20250929", pattern: ask,
			tools:   []string{"Grep", "Read", "Bash"},
			prompts: []string{"Why is the rate limiter dropping requests?", "Go with the token bucket"},
		},
		{
			project: "/home/user/library", model: "claude-haiku-4-5-20251001", pattern: deliver,
			tools:   []string{"Read", "Edit", "Bash"},
			prompts: []string{"Bump the version and update the changelog"},
		},
	}
	for _, ms := range g.sessions {
		ms.id = uuid.NewString()
		ms.path = filepath.Join(root, encodeProject(ms.project), ms.id+".jsonl")
	}
	return g
}

// encodeProject names a project directory the way the agent does.
func encodeProject(path string) string {
	return strings.ReplaceAll(path, "/", "-")
}

// Paths returns the log file of every mock session.
func (g *Generator) Paths() []string {
	paths := make([]string, len(g.sessions))
	for i, ms := range g.sessions {
		paths[i] = ms.path
	}
	return paths
}

// Start writes each session's opening prompt, then keeps appending lines
// every interval until ctx is done.
func (g *Generator) Start(ctx context.Context) error {
	for _, ms := range g.sessions {
		if err := os.MkdirAll(filepath.Dir(ms.path), 0o755); err != nil {
			return err
		}
		line, err := g.userPrompt(ms)
		if err != nil {
			return err
		}
		if err := g.append(ms, line); err != nil {
			return err
		}
	}
	slog.Info("mock sessions started", "root", g.root, "sessions", len(g.sessions))

	go g.run(ctx)
	return nil
}

func (g *Generator) run(ctx context.Context) {
	defer logging.RecoverPanic("mock-generator", nil)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Tick()
		}
	}
}

// Tick advances every session by one step.
func (g *Generator) Tick() {
	for _, ms := range g.sessions {
		if ms.done {
			continue
		}
		ms.tick++
		line, err := g.advance(ms)
		if err != nil {
			slog.Warn("mock line build failed", "session", ms.id, "error", err)
			continue
		}
		if line == nil {
			continue
		}
		if err := g.append(ms, line); err != nil {
			slog.Warn("mock write failed", "session", ms.id, "error", err)
		}
	}
}

// advance returns the next line for ms, or nil when it stays quiet.
func (g *Generator) advance(ms *mockSession) ([]byte, error) {
	switch ms.pattern {
	case stall:
		// 20 ticks of work, then 40 of silence.
		if ms.tick%60 >= 20 {
			return nil, nil
		}
	case ask:
		if ms.waiting > 0 {
			ms.waiting--
			if ms.waiting > 0 {
				return nil, nil
			}
			return g.toolResult(ms, "Token bucket, please.")
		}
		if ms.tick == 8 {
			ms.waiting = 30
			return g.toolUse(ms, "AskUserQuestion", map[string]any{
				"questions": []map[string]any{{"question": "Which limiter should I use?"}},
			})
		}
	case deliver:
		switch ms.tick {
		case 13:
			return g.toolUse(ms, "Bash", map[string]any{"command": `git commit -am "Release v1.4.0"`})
		case 14:
			return g.toolResult(ms, "[main 1a2b3c4] Release v1.4.0")
		case 15:
			ms.done = true
			return g.assistantText(ms, "Committed the release.", "end_turn")
		}
		if ms.tick > 12 {
			return nil, nil
		}
	}

	ms.step = (ms.step + 1) % 4
	switch ms.step {
	case 1:
		tool := ms.tools[g.rng.Intn(len(ms.tools))]
		return g.toolUse(ms, tool, toolInput(tool, ms.project))
	case 2:
		return g.toolResult(ms, "ok")
	case 3:
		return g.assistantText(ms, "Done with this step.", "end_turn")
	default:
		return g.userPrompt(ms)
	}
}

func toolInput(tool, project string) map[string]any {
	switch tool {
	case "Bash":
		return map[string]any{"command": "go test ./..."}
	case "Grep":
		return map[string]any{"pattern": "TODO", "path": project}
	default:
		return map[string]any{"file_path": filepath.Join(project, "main.go")}
	}
}

func (g *Generator) base(ms *mockSession, typ string) ([]byte, error) {
	return set([]byte(`{}`),
		"type", typ,
		"uuid", uuid.NewString(),
		"sessionId", ms.id,
		"timestamp", g.now().UTC().Format(time.RFC3339Nano),
		"cwd", ms.project,
		"gitBranch", "main",
	)
}

func (g *Generator) userPrompt(ms *mockSession) ([]byte, error) {
	line, err := g.base(ms, "user")
	if err != nil {
		return nil, err
	}
	text := ms.prompts[(ms.tick/4)%len(ms.prompts)]
	return set(line, "message.role", "user", "message.content", text)
}

func (g *Generator) toolUse(ms *mockSession, tool string, input map[string]any) ([]byte, error) {
	ms.toolID = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
	line, err := g.base(ms, "assistant")
	if err != nil {
		return nil, err
	}
	line, err = set(line,
		"message.role", "assistant",
		"message.content", []map[string]any{{
			"type":  "tool_use",
			"id":    ms.toolID,
			"name":  tool,
			"input": input,
		}},
	)
	if err != nil {
		return nil, err
	}
	return g.withUsage(ms, line)
}

func (g *Generator) toolResult(ms *mockSession, output string) ([]byte, error) {
	line, err := g.base(ms, "user")
	if err != nil {
		return nil, err
	}
	return set(line,
		"message.role", "user",
		"message.content", []map[string]any{{
			"type":        "tool_result",
			"tool_use_id": ms.toolID,
			"content":     output,
		}},
	)
}

func (g *Generator) assistantText(ms *mockSession, text, stopReason string) ([]byte, error) {
	line, err := g.base(ms, "assistant")
	if err != nil {
		return nil, err
	}
	line, err = set(line,
		"message.role", "assistant",
		"message.content", []map[string]any{{"type": "text", "text": text}},
		"message.stop_reason", stopReason,
	)
	if err != nil {
		return nil, err
	}
	return g.withUsage(ms, line)
}

// withUsage gives the line a fresh message id and a plausible usage record
// with cache reads.
func (g *Generator) withUsage(ms *mockSession, line []byte) ([]byte, error) {
	ms.msgID = "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	ms.tokens += int64(800 + g.rng.Intn(2400))
	return set(line,
		"message.id", ms.msgID,
		"message.model", ms.model,
		"message.usage", map[string]int64{
			"input_tokens":                int64(4 + g.rng.Intn(40)),
			"output_tokens":               int64(50 + g.rng.Intn(600)),
			"cache_read_input_tokens":     ms.tokens,
			"cache_creation_input_tokens": int64(g.rng.Intn(2000)),
		},
	)
}

// set applies path/value pairs in order.
func set(line []byte, pairs ...any) ([]byte, error) {
	if len(pairs)%2 != 0 {
		return nil, errors.New("odd number of path/value arguments")
	}
	var err error
	for i := 0; i < len(pairs); i += 2 {
		path, ok := pairs[i].(string)
		if !ok {
			return nil, fmt.Errorf("path %v is not a string", pairs[i])
		}
		if line, err = sjson.SetBytes(line, path, pairs[i+1]); err != nil {
			return nil, fmt.Errorf("set %s: %w", path, err)
		}
	}
	return line, nil
}

func (g *Generator) append(ms *mockSession, line []byte) error {
	f, err := os.OpenFile(ms.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}
