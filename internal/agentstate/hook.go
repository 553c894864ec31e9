package agentstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var (
	// ErrUnknownHookEvent is returned for hook kinds with no mapping.
	ErrUnknownHookEvent = errors.New("unknown hook event")
	// ErrMissingSessionID is returned for hook payloads naming no session.
	ErrMissingSessionID = errors.New("hook payload has no session id")
	// ErrInvalidPayload is returned for bodies that are not a JSON object.
	ErrInvalidPayload = errors.New("hook payload is not a JSON object")
)

// HookEvent is a decoded hook push.
type HookEvent struct {
	SessionID      string
	Kind           string
	ToolName       string
	Message        string
	Cwd            string
	TranscriptPath string
	ReceivedAt     time.Time
	// Payload is the whole body as a generic value.
	Payload any
}

// DecodeHook reads a hook body. The payload shape varies by kind, so only
// the routing fields are extracted; the rest is kept as an opaque value.
func DecodeHook(data []byte, receivedAt time.Time) (HookEvent, error) {
	if !gjson.ValidBytes(data) {
		return HookEvent{}, ErrInvalidPayload
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return HookEvent{}, ErrInvalidPayload
	}

	ev := HookEvent{
		SessionID:      firstString(root, "session_id", "sessionId"),
		Kind:           firstString(root, "hook_event_name", "event", "kind"),
		ToolName:       firstString(root, "tool_name", "toolName"),
		Message:        firstString(root, "message", "notification.message"),
		Cwd:            root.Get("cwd").String(),
		TranscriptPath: root.Get("transcript_path").String(),
		ReceivedAt:     receivedAt,
	}
	if ev.SessionID == "" {
		return HookEvent{}, ErrMissingSessionID
	}
	if ev.Kind == "" {
		return HookEvent{}, fmt.Errorf("%w: missing event name", ErrUnknownHookEvent)
	}

	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return HookEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ev.Payload = payload
	return ev, nil
}

func firstString(root gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := root.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// MapHook turns a hook event into the state it announces. The mapping is a
// pure function of the event kind, tool name and message.
func MapHook(ev HookEvent) (State, error) {
	var s State
	switch ev.Kind {
	case "PreToolUse", "tool_used":
		switch ev.ToolName {
		case ToolAskUser:
			s = newState(GroupNeedsYou, StateAwaitingInput, 0.99, SourceHook)
		case ToolExitPlanMode:
			s = newState(GroupNeedsYou, StateAwaitingApproval, 0.99, SourceHook)
		default:
			s = newState(GroupAutonomous, StateActing, 0.95, SourceHook)
			if ev.ToolName != "" {
				s.Label = "Running " + ev.ToolName
			}
		}
	case "PostToolUse", "UserPromptSubmit", "SubagentStop", "subagent_stopped":
		s = newState(GroupAutonomous, StateThinking, 0.95, SourceHook)
	case "PostToolUseFailure", "tool_failed":
		s = newState(GroupAutonomous, StateToolFailed, 0.95, SourceHook)
	case "PermissionRequest", "permission_needed":
		s = newState(GroupNeedsYou, StateNeedsPermission, 0.99, SourceHook)
	case "Notification":
		if isPermissionText(ev.Message) {
			s = newState(GroupNeedsYou, StateNeedsPermission, 0.99, SourceHook)
		} else {
			s = newState(GroupNeedsYou, StateIdle, 0.95, SourceHook)
		}
	case "SubagentStart", "subagent_started":
		s = newState(GroupAutonomous, StateDelegating, 0.95, SourceHook)
	case "SessionEnd", "session_ended":
		s = newState(GroupDelivered, StateSessionEnded, 0.95, SourceHook)
	case "TaskCompleted", "task_completed":
		s = newState(GroupDelivered, StateTaskComplete, 0.95, SourceHook)
	case "Stop", "stop", "SessionStart":
		s = newState(GroupNeedsYou, StateIdle, 0.95, SourceHook)
	default:
		return State{}, fmt.Errorf("%w: %q", ErrUnknownHookEvent, ev.Kind)
	}
	s.Context = ev.Payload
	return s, nil
}

func isPermissionText(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "permission")
}
