// Package jsonl turns one line of an agent session log into a typed Line.
package jsonl

import (
	"encoding/json"
	"time"
)

// Kind discriminates the shape of a parsed line.
type Kind int

const (
	KindOther Kind = iota
	KindUser
	KindAssistant
	KindToolUse
	KindToolResult
	KindSystem
	KindProgress
	KindSummary
)

var kindNames = map[Kind]string{
	KindOther:      "other",
	KindUser:       "user",
	KindAssistant:  "assistant",
	KindToolUse:    "tool_use",
	KindToolResult: "tool_result",
	KindSystem:     "system",
	KindProgress:   "progress",
	KindSummary:    "summary",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "other"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Stop reasons that mean the assistant handed control back.
const (
	StopEndTurn      = "end_turn"
	StopSequence     = "stop_sequence"
	StopToolUse      = "tool_use"
	StopMaxTokens    = "max_tokens"
	StopPauseTurn    = "pause_turn"
	StopRefusal      = "refusal"
	continuationText = "This session is being continued from a previous conversation"
)

// IsTerminalStop reports whether reason ends an assistant turn.
func IsTerminalStop(reason string) bool {
	switch reason {
	case StopEndTurn, StopSequence, StopMaxTokens, StopRefusal:
		return true
	}
	return false
}

// IsYield reports whether reason means the agent is waiting on the user.
func IsYield(reason string) bool {
	return reason == StopEndTurn || reason == StopSequence
}

// Usage is the token accounting carried by an assistant line.
type Usage struct {
	Input           int64 `json:"input"`
	Output          int64 `json:"output"`
	CacheRead       int64 `json:"cacheRead"`
	CacheCreation   int64 `json:"cacheCreation"`
	CacheCreation5m int64 `json:"cacheCreation5m"`
	CacheCreation1h int64 `json:"cacheCreation1h"`
}

// ContextTokens is the prompt size of the turn: fresh input plus cache.
func (u Usage) ContextTokens() int64 {
	return u.Input + u.CacheRead + u.CacheCreation
}

// HasCache reports whether the turn touched the prompt cache.
func (u Usage) HasCache() bool {
	return u.CacheRead > 0 || u.CacheCreation > 0
}

// ToolUse is one tool invocation block of an assistant line.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
	// Command is the shell command for Bash invocations.
	Command string
}

// ToolResult is one tool_result block of a user line.
type ToolResult struct {
	ToolUseID string
	IsError   bool
}

// SubagentSpawn is emitted for Task/Agent tool invocations.
type SubagentSpawn struct {
	ToolUseID   string
	AgentType   string
	Description string
}

// SubagentProgress is emitted for progress lines attributed to a sub-agent.
type SubagentProgress struct {
	ToolUseID string
}

// SubagentResult is emitted for a tool result carrying agent run metadata.
// It may not match any spawn; consumers drop unmatched results.
type SubagentResult struct {
	ToolUseID  string
	Status     string
	IsError    bool
	DurationMs int64
	Tokens     int64
	ToolUses   int64
	Usage      *Usage
}

// Todo is one entry of a TodoWrite list.
type Todo struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm,omitempty"`
}

// TaskCreate is emitted for TaskCreate invocations. The external task id
// arrives later in a TaskAssign.
type TaskCreate struct {
	ToolUseID   string
	Subject     string
	Description string
}

// TaskAssign binds the external id reported in a TaskCreate result to the
// invocation that created it.
type TaskAssign struct {
	ToolUseID string
	TaskID    string
}

// TaskUpdate mutates an existing task by external id. Empty fields are left
// unchanged.
type TaskUpdate struct {
	TaskID  string
	Status  string
	Owner   string
	Subject string
}

// Line is one parsed log record.
type Line struct {
	Kind Kind
	Type string

	UUID         string
	SessionID    string
	Timestamp    time.Time
	HasTimestamp bool
	Cwd          string
	GitBranch    string

	IsMeta         bool
	IsContinuation bool

	Model      string
	MessageID  string
	StopReason string
	Usage      *Usage

	Text        string
	ToolUses    []ToolUse
	ToolResults []ToolResult

	ParentToolUseID string
	Summary         string

	Spawns      []SubagentSpawn
	Progress    []SubagentProgress
	Results     []SubagentResult
	Todos       []Todo
	HasTodos    bool
	TaskCreates []TaskCreate
	TaskAssigns []TaskAssign
	TaskUpdates []TaskUpdate
}

// IsGenuineUser reports whether the line is input from a human or a tool
// result returned to the agent, as opposed to injected meta content.
func (l *Line) IsGenuineUser() bool {
	return (l.Kind == KindUser || l.Kind == KindToolResult) && !l.IsMeta && !l.IsContinuation
}

// LastTool returns the name of the final tool invocation on the line.
func (l *Line) LastTool() string {
	if len(l.ToolUses) == 0 {
		return ""
	}
	return l.ToolUses[len(l.ToolUses)-1].Name
}
