package session

import (
	"time"
	"unicode/utf8"

	"github.com/tombelieber/claude-view-sub001/internal/jsonl"
)

// maxMessageRunes bounds the stored first/last user message text.
const maxMessageRunes = 200

// Tokens is cumulative token usage for a session. Every counter only grows
// while the session is live.
type Tokens struct {
	Input           int64 `json:"input"`
	Output          int64 `json:"output"`
	CacheRead       int64 `json:"cacheRead"`
	CacheCreation   int64 `json:"cacheCreation"`
	CacheCreation5m int64 `json:"cacheCreation5m"`
	CacheCreation1h int64 `json:"cacheCreation1h"`
}

// Total is the sum of all billed token classes.
func (t Tokens) Total() int64 {
	return t.Input + t.Output + t.CacheRead + t.CacheCreation
}

func (t *Tokens) add(u jsonl.Usage) {
	t.Input += u.Input
	t.Output += u.Output
	t.CacheRead += u.CacheRead
	t.CacheCreation += u.CacheCreation
	t.CacheCreation5m += u.CacheCreation5m
	t.CacheCreation1h += u.CacheCreation1h
}

// Subagent is one Task/Agent invocation made by the session. ID is the
// invocation's tool_use id.
type Subagent struct {
	ID             string       `json:"id"`
	AgentType      string       `json:"agentType,omitempty"`
	Description    string       `json:"description,omitempty"`
	Status         string       `json:"status"`
	StartedAt      time.Time    `json:"startedAt"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
	DurationMs     int64        `json:"durationMs,omitempty"`
	Tokens         int64        `json:"tokens,omitempty"`
	ToolUses       int64        `json:"toolUses,omitempty"`
	Progress       int          `json:"progress,omitempty"`
	Cost           float64      `json:"cost,omitempty"`
	Usage          *jsonl.Usage `json:"-"`
}

func (sa Subagent) clone() Subagent {
	if sa.CompletedAt != nil {
		t := *sa.CompletedAt
		sa.CompletedAt = &t
	}
	if sa.Usage != nil {
		u := *sa.Usage
		sa.Usage = &u
	}
	return sa
}

// Task is an entry created with TaskCreate. ID is the creating invocation's
// tool_use id; ExternalID is the id the agent assigned in its result and is
// what TaskUpdate refers to.
type Task struct {
	ID          string `json:"id"`
	ExternalID  string `json:"externalId,omitempty"`
	Subject     string `json:"subject"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Owner       string `json:"owner,omitempty"`
}

// Aggregate is the running per-session fold of log lines. It is owned by a
// single goroutine and is not safe for concurrent use.
type Aggregate struct {
	Tokens        Tokens
	ContextTokens int64

	Model     string
	GitBranch string
	Cwd       string

	FirstUserMessage string
	LastUserMessage  string
	UserTurns        int

	Subagents []Subagent
	Todos     []jsonl.Todo
	Tasks     []Task

	LastCacheHit time.Time
	HasCache1h   bool

	// LastLine is the most recent conversational line.
	LastLine       *jsonl.Line
	LastTool       string
	LastCommand    string
	LastStopReason string
	// OpenTool is the last invoked tool still waiting for its result.
	OpenTool string

	Lines     int
	FirstSeen time.Time
	LastSeen  time.Time

	openToolID   string
	messageUsage map[string]jsonl.Usage
	modelUsage   map[string]jsonl.Usage
}

// NewAggregate returns an empty aggregate.
func NewAggregate() *Aggregate {
	return &Aggregate{
		messageUsage: make(map[string]jsonl.Usage),
		modelUsage:   make(map[string]jsonl.Usage),
	}
}

// Replay folds a complete list of lines into a fresh aggregate. Feeding the
// same lines one by one through ProcessLine gives the same result.
func Replay(lines []jsonl.Line, fallback time.Time) *Aggregate {
	a := NewAggregate()
	for _, l := range lines {
		a.ProcessLine(l, fallback)
	}
	return a
}

// ProcessLine folds one parsed line into the aggregate. fallback is used as
// the line's time when it carries no parseable timestamp.
func (a *Aggregate) ProcessLine(line jsonl.Line, fallback time.Time) {
	if a.messageUsage == nil {
		a.messageUsage = make(map[string]jsonl.Usage)
		a.modelUsage = make(map[string]jsonl.Usage)
	}

	ts := fallback
	if line.HasTimestamp {
		ts = line.Timestamp
	}

	a.Lines++
	if a.FirstSeen.IsZero() || (!ts.IsZero() && ts.Before(a.FirstSeen)) {
		a.FirstSeen = ts
	}
	if ts.After(a.LastSeen) {
		a.LastSeen = ts
	}

	if line.Cwd != "" {
		a.Cwd = line.Cwd
	}
	if line.GitBranch != "" {
		a.GitBranch = line.GitBranch
	}

	switch line.Kind {
	case jsonl.KindAssistant, jsonl.KindToolUse:
		a.processAssistant(&line, ts)
	case jsonl.KindUser, jsonl.KindToolResult:
		a.processUser(&line)
	}

	a.processSubEvents(&line, ts)

	if line.Kind != jsonl.KindOther && line.Kind != jsonl.KindSummary {
		l := line
		a.LastLine = &l
	}
}

func (a *Aggregate) processAssistant(line *jsonl.Line, ts time.Time) {
	if line.Model != "" && line.Model != "<synthetic>" {
		a.Model = line.Model
	}
	a.LastStopReason = line.StopReason

	if line.Usage != nil {
		a.addUsage(line, ts)
	}

	for _, tu := range line.ToolUses {
		a.LastTool = tu.Name
		a.OpenTool = tu.Name
		a.openToolID = tu.ID
		if tu.Command != "" {
			a.LastCommand = tu.Command
		}
	}
}

// addUsage applies a line's usage. The agent repeats the usage record on
// every line of a streamed message, so only growth per message id counts.
func (a *Aggregate) addUsage(line *jsonl.Line, ts time.Time) {
	u := *line.Usage

	delta := u
	if line.MessageID != "" {
		prev := a.messageUsage[line.MessageID]
		delta = jsonl.Usage{
			Input:           growth(prev.Input, u.Input),
			Output:          growth(prev.Output, u.Output),
			CacheRead:       growth(prev.CacheRead, u.CacheRead),
			CacheCreation:   growth(prev.CacheCreation, u.CacheCreation),
			CacheCreation5m: growth(prev.CacheCreation5m, u.CacheCreation5m),
			CacheCreation1h: growth(prev.CacheCreation1h, u.CacheCreation1h),
		}
		a.messageUsage[line.MessageID] = jsonl.Usage{
			Input:           max(prev.Input, u.Input),
			Output:          max(prev.Output, u.Output),
			CacheRead:       max(prev.CacheRead, u.CacheRead),
			CacheCreation:   max(prev.CacheCreation, u.CacheCreation),
			CacheCreation5m: max(prev.CacheCreation5m, u.CacheCreation5m),
			CacheCreation1h: max(prev.CacheCreation1h, u.CacheCreation1h),
		}
	}

	a.Tokens.add(delta)
	mu := a.modelUsage[a.Model]
	mu.Input += delta.Input
	mu.Output += delta.Output
	mu.CacheRead += delta.CacheRead
	mu.CacheCreation += delta.CacheCreation
	mu.CacheCreation5m += delta.CacheCreation5m
	mu.CacheCreation1h += delta.CacheCreation1h
	a.modelUsage[a.Model] = mu

	// Gauge, not a counter: the latest turn's prompt size.
	a.ContextTokens = u.ContextTokens()

	if u.CacheCreation1h > 0 {
		a.HasCache1h = true
	}
	if u.HasCache() && ts.After(a.LastCacheHit) {
		a.LastCacheHit = ts
	}
}

func growth(prev, cur int64) int64 {
	if cur > prev {
		return cur - prev
	}
	return 0
}

func (a *Aggregate) processUser(line *jsonl.Line) {
	for _, r := range line.ToolResults {
		if r.ToolUseID != "" && r.ToolUseID == a.openToolID {
			a.OpenTool = ""
			a.openToolID = ""
		}
	}

	if line.Kind != jsonl.KindUser || line.IsMeta || line.IsContinuation || line.Text == "" {
		return
	}
	text := truncate(line.Text, maxMessageRunes)
	if a.FirstUserMessage == "" {
		a.FirstUserMessage = text
	}
	a.LastUserMessage = text
	a.UserTurns++
	a.LastCommand = ""
	a.OpenTool = ""
	a.openToolID = ""
}

func (a *Aggregate) processSubEvents(line *jsonl.Line, ts time.Time) {
	for _, sp := range line.Spawns {
		if a.subagent(sp.ToolUseID) != nil {
			continue
		}
		a.Subagents = append(a.Subagents, Subagent{
			ID:             sp.ToolUseID,
			AgentType:      sp.AgentType,
			Description:    sp.Description,
			Status:         "running",
			StartedAt:      ts,
			LastActivityAt: ts,
		})
	}

	for _, p := range line.Progress {
		if sa := a.subagent(p.ToolUseID); sa != nil {
			sa.Progress++
			sa.LastActivityAt = ts
		}
	}

	for _, r := range line.Results {
		sa := a.subagent(r.ToolUseID)
		if sa == nil {
			continue
		}
		sa.Status = r.Status
		sa.DurationMs = r.DurationMs
		sa.Tokens = r.Tokens
		sa.ToolUses = r.ToolUses
		sa.LastActivityAt = ts
		done := ts
		sa.CompletedAt = &done
		if r.Usage != nil {
			u := *r.Usage
			sa.Usage = &u
		}
	}

	if line.HasTodos {
		a.Todos = append([]jsonl.Todo(nil), line.Todos...)
	}

	for _, tc := range line.TaskCreates {
		if a.task(tc.ToolUseID) != nil {
			continue
		}
		a.Tasks = append(a.Tasks, Task{
			ID:          tc.ToolUseID,
			Subject:     tc.Subject,
			Description: tc.Description,
			Status:      "pending",
		})
	}

	for _, ta := range line.TaskAssigns {
		if t := a.task(ta.ToolUseID); t != nil {
			t.ExternalID = ta.TaskID
		}
	}

	for _, tu := range line.TaskUpdates {
		t := a.taskByExternalID(tu.TaskID)
		if t == nil {
			continue
		}
		if tu.Status != "" {
			t.Status = tu.Status
		}
		if tu.Owner != "" {
			t.Owner = tu.Owner
		}
		if tu.Subject != "" {
			t.Subject = tu.Subject
		}
	}
}

func (a *Aggregate) subagent(id string) *Subagent {
	for i := range a.Subagents {
		if a.Subagents[i].ID == id {
			return &a.Subagents[i]
		}
	}
	return nil
}

func (a *Aggregate) task(id string) *Task {
	for i := range a.Tasks {
		if a.Tasks[i].ID == id {
			return &a.Tasks[i]
		}
	}
	return nil
}

func (a *Aggregate) taskByExternalID(id string) *Task {
	if id == "" {
		return nil
	}
	for i := range a.Tasks {
		if a.Tasks[i].ExternalID == id {
			return &a.Tasks[i]
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
