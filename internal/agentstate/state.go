// Package agentstate classifies what an agent session is doing and fuses
// hook-pushed and log-derived classifications into one State per session.
package agentstate

import "encoding/json"

// Group is the coarse triage bucket of a State.
type Group int

const (
	GroupAutonomous Group = iota
	GroupNeedsYou
	GroupDelivered
)

var groupNames = map[Group]string{
	GroupAutonomous: "autonomous",
	GroupNeedsYou:   "needs_you",
	GroupDelivered:  "delivered",
}

func (g Group) String() string {
	if s, ok := groupNames[g]; ok {
		return s
	}
	return "autonomous"
}

func (g Group) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.String())
}

func (g *Group) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range groupNames {
		if v == s {
			*g = k
			return nil
		}
	}
	*g = GroupAutonomous
	return nil
}

// Source records which signal produced a State.
type Source int

const (
	SourceFallback Source = iota
	SourceJsonl
	SourceHook
)

var sourceNames = map[Source]string{
	SourceFallback: "fallback",
	SourceJsonl:    "jsonl",
	SourceHook:     "hook",
}

func (s Source) String() string {
	if n, ok := sourceNames[s]; ok {
		return n
	}
	return "fallback"
}

func (s Source) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Source) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	for k, v := range sourceNames {
		if v == n {
			*s = k
			return nil
		}
	}
	*s = SourceFallback
	return nil
}

// State names.
const (
	StateAwaitingInput    = "awaiting_input"
	StateAwaitingApproval = "awaiting_approval"
	StateNeedsPermission  = "needs_permission"
	StateError            = "error"
	StateIdle             = "idle"

	StateTaskComplete  = "task_complete"
	StateSessionEnded  = "session_ended"
	StateWorkDelivered = "work_delivered"

	StateThinking   = "thinking"
	StateActing     = "acting"
	StateToolFailed = "tool_failed"
	StateDelegating = "delegating"
	StateUnknown    = "unknown"
)

var labels = map[string]string{
	StateAwaitingInput:    "Waiting for your answer",
	StateAwaitingApproval: "Waiting for plan approval",
	StateNeedsPermission:  "Needs permission",
	StateError:            "Error",
	StateIdle:             "Idle",
	StateTaskComplete:     "Task complete",
	StateSessionEnded:     "Session ended",
	StateWorkDelivered:    "Work delivered",
	StateThinking:         "Thinking",
	StateActing:           "Working",
	StateToolFailed:       "Tool failed",
	StateDelegating:       "Delegating",
	StateUnknown:          "Unknown",
}

// Label returns the display label for a state name.
func Label(state string) string {
	if l, ok := labels[state]; ok {
		return l
	}
	return state
}

// State is the externally visible classification of a session. Values are
// replaced whole, never edited in place.
type State struct {
	Group      Group   `json:"group"`
	State      string  `json:"state"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
	// Context is the raw payload that produced the state, if any. It is
	// passed through untouched.
	Context any `json:"context,omitempty"`
}

// Unknown is the state of a session nothing is known about.
func Unknown() State {
	return State{
		Group:      GroupAutonomous,
		State:      StateUnknown,
		Label:      Label(StateUnknown),
		Confidence: 0,
		Source:     SourceFallback,
	}
}

func newState(g Group, name string, confidence float64, src Source) State {
	return State{Group: g, State: name, Label: Label(name), Confidence: confidence, Source: src}
}
