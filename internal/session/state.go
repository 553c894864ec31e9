package session

import (
	"encoding/json"
	"time"

	"github.com/tombelieber/claude-view-sub001/internal/agentstate"
	"github.com/tombelieber/claude-view-sub001/internal/jsonl"
)

// Status is the coarse triage state of a session.
type Status int

const (
	Paused Status = iota
	Working
	Done
)

var statusNames = map[Status]string{
	Paused:  "paused",
	Working: "working",
	Done:    "done",
}

var statusFromName = map[string]Status{
	"paused":  Paused,
	"working": Working,
	"done":    Done,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := statusFromName[n]; ok {
		*s = v
	}
	return nil
}

// LiveSession is the outward view of one session. Values handed out of the
// store are copies; holders may keep or modify them freely.
type LiveSession struct {
	ID          string `json:"id"`
	ProjectPath string `json:"projectPath"`
	ProjectName string `json:"projectName"`
	LogPath     string `json:"logPath"`
	GitBranch   string `json:"gitBranch,omitempty"`
	Model       string `json:"model,omitempty"`
	PID         int    `json:"pid,omitempty"`

	Status     Status           `json:"status"`
	AgentState agentstate.State `json:"agentState"`

	Tokens        Tokens      `json:"tokens"`
	ContextTokens int64       `json:"contextTokens"`
	ContextWindow int         `json:"contextWindow,omitempty"`
	Cost          Cost        `json:"cost"`
	CacheStatus   CacheStatus `json:"cacheStatus"`

	UserTurns        int    `json:"userTurns"`
	FirstUserMessage string `json:"firstUserMessage,omitempty"`
	LastUserMessage  string `json:"lastUserMessage,omitempty"`
	LastTool         string `json:"lastTool,omitempty"`

	Subagents []Subagent   `json:"subagents,omitempty"`
	Todos     []jsonl.Todo `json:"todos,omitempty"`
	Tasks     []Task       `json:"tasks,omitempty"`

	StartedAt      time.Time  `json:"startedAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	DoneAt         *time.Time `json:"doneAt,omitempty"`

	// Partial is set when only the tail of a large log was read.
	Partial bool `json:"partial,omitempty"`
}

// Clone returns a deep copy. The agent state's Context is shared; it is
// an opaque payload and is never modified.
func (s *LiveSession) Clone() *LiveSession {
	c := *s
	if s.DoneAt != nil {
		t := *s.DoneAt
		c.DoneAt = &t
	}
	if s.Subagents != nil {
		c.Subagents = make([]Subagent, len(s.Subagents))
		for i, sa := range s.Subagents {
			c.Subagents[i] = sa.clone()
		}
	}
	if s.Todos != nil {
		c.Todos = append([]jsonl.Todo(nil), s.Todos...)
	}
	if s.Tasks != nil {
		c.Tasks = append([]Task(nil), s.Tasks...)
	}
	return &c
}

// IsDone reports whether the session has reached the Done status.
func (s *LiveSession) IsDone() bool {
	return s.Status == Done
}

// ApplySnapshot copies the derived aggregate output onto s.
func (s *LiveSession) ApplySnapshot(snap Snapshot) {
	s.Tokens = snap.Tokens
	s.ContextTokens = snap.ContextTokens
	s.Cost = snap.Cost
	s.CacheStatus = snap.CacheStatus
	s.Subagents = snap.Subagents
	s.Todos = snap.Todos
	s.Tasks = snap.Tasks
}
