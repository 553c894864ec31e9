package agentstate

import (
	"regexp"
	"time"

	"github.com/tombelieber/claude-view-sub001/internal/jsonl"
)

// DefaultStaleAfter is how long a file must be quiet, with no process
// attached, before the session is considered finished.
const DefaultStaleAfter = 300 * time.Second

// Tools that hand control to the user.
const (
	ToolAskUser      = "AskUserQuestion"
	ToolExitPlanMode = "ExitPlanMode"
)

var deliverCommand = regexp.MustCompile(`\bgit\s+(?:\S+\s+)*?(?:commit|push)\b|\bgh\s+pr\s+(?:create|merge)\b`)

// SignalContext is the evidence the classifier looks at.
type SignalContext struct {
	// OpenTool is the last tool invoked that has not yet returned.
	OpenTool string
	// LastCommand is the last shell command of the current turn.
	LastCommand string
	StopReason  string
	HasProcess  bool
	SinceWrite  time.Duration
	UserTurns   int
	// StaleAfter overrides DefaultStaleAfter when positive.
	StaleAfter time.Duration
}

// Classify returns the log-derived state for c. The first matching rule
// wins; when none match a low-confidence fallback is returned.
func Classify(c SignalContext) State {
	staleAfter := c.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	normalStop := jsonl.IsYield(c.StopReason)

	switch {
	case c.OpenTool == ToolAskUser:
		return newState(GroupNeedsYou, StateAwaitingInput, 0.99, SourceJsonl)
	case c.OpenTool == ToolExitPlanMode:
		return newState(GroupNeedsYou, StateAwaitingApproval, 0.99, SourceJsonl)
	case !c.HasProcess && c.SinceWrite > staleAfter:
		return newState(GroupDelivered, StateTaskComplete, 0.9, SourceJsonl)
	case normalStop && IsDeliverCommand(c.LastCommand):
		return newState(GroupDelivered, StateWorkDelivered, 0.75, SourceJsonl)
	case normalStop && c.UserTurns <= 2:
		return newState(GroupDelivered, StateTaskComplete, 0.6, SourceJsonl)
	}

	if normalStop {
		return newState(GroupNeedsYou, StateIdle, 0.3, SourceFallback)
	}
	return newState(GroupAutonomous, StateThinking, 0.3, SourceFallback)
}

// IsDeliverCommand reports whether a shell command commits or pushes work.
func IsDeliverCommand(cmd string) bool {
	return cmd != "" && deliverCommand.MatchString(cmd)
}
