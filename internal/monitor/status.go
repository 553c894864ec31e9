package monitor

import (
	"time"

	"github.com/tombelieber/claude-view-sub001/internal/jsonl"
	"github.com/tombelieber/claude-view-sub001/internal/session"
)

const (
	DefaultWorkingWindow = 30 * time.Second
	DefaultDoneAfter     = 300 * time.Second
)

// StatusInput is everything DeriveStatus looks at.
type StatusInput struct {
	// LastLine is the most recent conversational line, nil if none yet.
	LastLine   *jsonl.Line
	SinceWrite time.Duration
	HasProcess bool

	// Zero values select DefaultWorkingWindow and DefaultDoneAfter.
	WorkingWindow time.Duration
	DoneAfter     time.Duration
}

// DeriveStatus maps the inputs to Working, Paused or Done. Rules are checked
// in order: no line is Paused; no process and quiet past DoneAfter is Done;
// within WorkingWindow the shape of the last line decides; otherwise Paused.
//
// User input and tool activity count as Working before the agent has
// written anything back.
func DeriveStatus(in StatusInput) session.Status {
	working := in.WorkingWindow
	if working <= 0 {
		working = DefaultWorkingWindow
	}
	done := in.DoneAfter
	if done <= 0 {
		done = DefaultDoneAfter
	}

	if in.LastLine == nil {
		return session.Paused
	}
	if !in.HasProcess && in.SinceWrite > done {
		return session.Done
	}
	if in.SinceWrite > working {
		return session.Paused
	}

	l := in.LastLine
	switch l.Kind {
	case jsonl.KindToolUse, jsonl.KindProgress:
		return session.Working
	case jsonl.KindAssistant:
		if jsonl.IsTerminalStop(l.StopReason) {
			return session.Paused
		}
		return session.Working
	case jsonl.KindUser, jsonl.KindToolResult:
		if l.IsGenuineUser() {
			return session.Working
		}
	}
	return session.Paused
}
