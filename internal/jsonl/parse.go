package jsonl

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBlank is returned for lines with no content.
var ErrBlank = errors.New("blank line")

type rawLine struct {
	Type             string          `json:"type"`
	UUID             string          `json:"uuid"`
	SessionID        string          `json:"sessionId"`
	Timestamp        string          `json:"timestamp"`
	Cwd              string          `json:"cwd"`
	GitBranch        string          `json:"gitBranch"`
	IsMeta           bool            `json:"isMeta"`
	IsCompactSummary bool            `json:"isCompactSummary"`
	Message          json.RawMessage `json:"message"`
	ToolUseResult    json.RawMessage `json:"toolUseResult"`
	ParentToolUseID  string          `json:"parentToolUseID"`
	Summary          string          `json:"summary"`
}

type rawMessage struct {
	ID         string          `json:"id"`
	Model      string          `json:"model"`
	Role       string          `json:"role"`
	StopReason string          `json:"stop_reason"`
	Usage      *rawUsage       `json:"usage"`
	Content    json.RawMessage `json:"content"`
}

type rawUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreation            *struct {
		Ephemeral5m int64 `json:"ephemeral_5m_input_tokens"`
		Ephemeral1h int64 `json:"ephemeral_1h_input_tokens"`
	} `json:"cache_creation"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
}

type rawToolUseResult struct {
	Status            string    `json:"status"`
	AgentID           string    `json:"agentId"`
	TotalDurationMs   int64     `json:"totalDurationMs"`
	TotalTokens       int64     `json:"totalTokens"`
	TotalToolUseCount int64     `json:"totalToolUseCount"`
	Usage             *rawUsage `json:"usage"`
	Task              *struct {
		ID string `json:"id"`
	} `json:"task"`
}

type rawToolInput struct {
	Command      string `json:"command"`
	SubagentType string `json:"subagent_type"`
	Description  string `json:"description"`
	Subject      string `json:"subject"`
	TaskID       string `json:"taskId"`
	Status       string `json:"status"`
	Owner        string `json:"owner"`
	Todos        []Todo `json:"todos"`
}

// Parse decodes one log line. Malformed JSON returns an error; the caller is
// expected to skip the line and continue with the next one.
func Parse(data []byte) (Line, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Line{}, ErrBlank
	}

	var raw rawLine
	if err := json.Unmarshal(data, &raw); err != nil {
		return Line{}, fmt.Errorf("decode line: %w", err)
	}

	line := Line{
		Type:            raw.Type,
		UUID:            raw.UUID,
		SessionID:       raw.SessionID,
		Cwd:             raw.Cwd,
		GitBranch:       raw.GitBranch,
		IsMeta:          raw.IsMeta,
		ParentToolUseID: raw.ParentToolUseID,
		Summary:         raw.Summary,
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err == nil {
		line.Timestamp = ts
		line.HasTimestamp = true
	}

	switch raw.Type {
	case "assistant":
		line.Kind = KindAssistant
		parseMessage(&line, raw.Message)
		if len(line.ToolUses) > 0 {
			line.Kind = KindToolUse
		}
	case "user":
		line.Kind = KindUser
		parseMessage(&line, raw.Message)
		if len(line.ToolResults) > 0 && strings.TrimSpace(line.Text) == "" {
			line.Kind = KindToolResult
		}
		parseToolUseResult(&line, raw.ToolUseResult)
		line.IsContinuation = raw.IsCompactSummary || strings.HasPrefix(line.Text, continuationText)
	case "system":
		line.Kind = KindSystem
	case "progress":
		line.Kind = KindProgress
		if raw.ParentToolUseID != "" {
			line.Progress = append(line.Progress, SubagentProgress{ToolUseID: raw.ParentToolUseID})
		}
	case "summary":
		line.Kind = KindSummary
	default:
		line.Kind = KindOther
	}

	return line, nil
}

func parseMessage(line *Line, data json.RawMessage) {
	if len(data) == 0 {
		return
	}
	var msg rawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	line.Model = msg.Model
	line.MessageID = msg.ID
	line.StopReason = msg.StopReason
	if msg.Usage != nil {
		u := convertUsage(msg.Usage)
		line.Usage = &u
	}

	content := bytes.TrimSpace(msg.Content)
	if len(content) == 0 {
		return
	}
	if content[0] == '"' {
		var s string
		if err := json.Unmarshal(content, &s); err == nil {
			line.Text = s
		}
		return
	}

	var blocks []rawBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return
	}

	var texts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		case "tool_use":
			line.ToolUses = append(line.ToolUses, parseToolUse(line, b))
		case "tool_result":
			line.ToolResults = append(line.ToolResults, ToolResult{
				ToolUseID: b.ToolUseID,
				IsError:   b.IsError,
			})
		}
	}
	line.Text = strings.Join(texts, "\n")
}

func parseToolUse(line *Line, b rawBlock) ToolUse {
	tu := ToolUse{ID: b.ID, Name: b.Name, Input: b.Input}

	var in rawToolInput
	if len(b.Input) > 0 {
		// Inputs are free-form; unknown shapes leave in zeroed.
		_ = json.Unmarshal(b.Input, &in)
	}

	switch b.Name {
	case "Bash":
		tu.Command = in.Command
	case "Task", "Agent":
		line.Spawns = append(line.Spawns, SubagentSpawn{
			ToolUseID:   b.ID,
			AgentType:   in.SubagentType,
			Description: in.Description,
		})
	case "TodoWrite":
		line.Todos = append([]Todo(nil), in.Todos...)
		line.HasTodos = true
	case "TaskCreate":
		line.TaskCreates = append(line.TaskCreates, TaskCreate{
			ToolUseID:   b.ID,
			Subject:     in.Subject,
			Description: in.Description,
		})
	case "TaskUpdate":
		if in.TaskID != "" {
			line.TaskUpdates = append(line.TaskUpdates, TaskUpdate{
				TaskID:  in.TaskID,
				Status:  in.Status,
				Owner:   in.Owner,
				Subject: in.Subject,
			})
		}
	}
	return tu
}

// parseToolUseResult reads the structured result the agent attaches next to
// a tool_result block. It is attributed to the first result on the line.
func parseToolUseResult(line *Line, data json.RawMessage) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' || len(line.ToolResults) == 0 {
		return
	}
	var tur rawToolUseResult
	if err := json.Unmarshal(data, &tur); err != nil {
		return
	}

	target := line.ToolResults[0]
	if tur.AgentID != "" || tur.TotalDurationMs > 0 || tur.TotalTokens > 0 {
		res := SubagentResult{
			ToolUseID:  target.ToolUseID,
			Status:     tur.Status,
			IsError:    target.IsError,
			DurationMs: tur.TotalDurationMs,
			Tokens:     tur.TotalTokens,
			ToolUses:   tur.TotalToolUseCount,
		}
		if res.Status == "" {
			res.Status = "completed"
			if target.IsError {
				res.Status = "failed"
			}
		}
		if tur.Usage != nil {
			u := convertUsage(tur.Usage)
			res.Usage = &u
		}
		line.Results = append(line.Results, res)
	}
	if tur.Task != nil && tur.Task.ID != "" {
		line.TaskAssigns = append(line.TaskAssigns, TaskAssign{
			ToolUseID: target.ToolUseID,
			TaskID:    tur.Task.ID,
		})
	}
}

func convertUsage(r *rawUsage) Usage {
	u := Usage{
		Input:         r.InputTokens,
		Output:        r.OutputTokens,
		CacheRead:     r.CacheReadInputTokens,
		CacheCreation: r.CacheCreationInputTokens,
	}
	if r.CacheCreation != nil {
		u.CacheCreation5m = r.CacheCreation.Ephemeral5m
		u.CacheCreation1h = r.CacheCreation.Ephemeral1h
	} else {
		// Older logs only report the total, which was always 5m.
		u.CacheCreation5m = r.CacheCreationInputTokens
	}
	return u
}
