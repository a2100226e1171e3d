package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CommandType enumerates all supported client -> engine commands.
type CommandType string

const (
	CommandAnalyze CommandType = "analyze"
	CommandAsk     CommandType = "ask"
	CommandCancel  CommandType = "cancel"
)

// Command is a marker interface implemented by all protocol commands.
type Command interface {
	GetType() CommandType
}

// AnalyzeCommand starts one analysis task.
type AnalyzeCommand struct {
	Type      CommandType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Query     string      `json:"query"`
	Files     []string    `json:"files,omitempty"`
	MaxRounds int         `json:"max_rounds,omitempty"`
	PathMode  string      `json:"path_mode,omitempty"`
	OutputDir string      `json:"output_dir,omitempty"`
}

// GetType implements Command.
func (c AnalyzeCommand) GetType() CommandType { return CommandAnalyze }

// AskCommand sends one prompt straight to the model gateway.
type AskCommand struct {
	Type         CommandType `json:"type"`
	RequestID    string      `json:"request_id,omitempty"`
	Prompt       string      `json:"prompt"`
	SystemPrompt string      `json:"system_prompt,omitempty"`
	MaxTokens    int         `json:"max_tokens,omitempty"`
}

// GetType implements Command.
func (c AskCommand) GetType() CommandType { return CommandAsk }

// CancelCommand cancels a running request.
type CancelCommand struct {
	Type      CommandType `json:"type"`
	RequestID string      `json:"request_id"`
}

// GetType implements Command.
func (c CancelCommand) GetType() CommandType { return CommandCancel }

type rawCommand struct {
	Type CommandType `json:"type"`
}

// DecodeCommand converts raw JSON into a strongly typed command.
// Analyze and ask commands without request_id get a fresh one.
func DecodeCommand(data []byte) (Command, error) {
	var base rawCommand
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	switch base.Type {
	case CommandAnalyze:
		var cmd AnalyzeCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode analyze: %w", err)
		}
		if cmd.Query == "" {
			return nil, errors.New("analyze requires query")
		}
		if cmd.RequestID == "" {
			cmd.RequestID = NewRequestID()
		}
		return cmd, nil
	case CommandAsk:
		var cmd AskCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode ask: %w", err)
		}
		if cmd.Prompt == "" {
			return nil, errors.New("ask requires prompt")
		}
		if cmd.RequestID == "" {
			cmd.RequestID = NewRequestID()
		}
		return cmd, nil
	case CommandCancel:
		var cmd CancelCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode cancel: %w", err)
		}
		if cmd.RequestID == "" {
			return nil, errors.New("cancel requires request_id")
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("unknown command type: %s", base.Type)
	}
}

// NewRequestID generates a new opaque request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// EventType enumerates engine -> client events.
type EventType string

const (
	EventStatus       EventType = "status"
	EventRound        EventType = "round"
	EventFilesChanged EventType = "files_changed"
	EventAnswer       EventType = "answer"
	EventDone         EventType = "done"
	EventError        EventType = "error"
	EventCancelled    EventType = "cancelled"
)

// Event is implemented by every outgoing message.
type Event interface {
	isEvent()
	GetType() EventType
}

// MarshalEvent serializes an event into JSON for NDJSON transport.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

type eventBase struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
}

func (eventBase) isEvent() {}

// StatusEvent communicates coarse task state ("started", "round_started", "retrying").
type StatusEvent struct {
	eventBase
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// NewStatusEvent constructs a status event.
func NewStatusEvent(requestID, taskID, status, detail string) StatusEvent {
	return StatusEvent{
		eventBase: eventBase{Type: EventStatus, RequestID: requestID, TaskID: taskID},
		Status:    status,
		Detail:    detail,
	}
}

// GetType implements Event.
func (e StatusEvent) GetType() EventType { return e.Type }

// RoundEvent reports one finished round.
type RoundEvent struct {
	eventBase
	Round      int    `json:"round"`
	Action     string `json:"action"` // run_code, final_answer, or empty when the model call failed
	Success    *bool  `json:"success,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// GetType implements Event.
func (e RoundEvent) GetType() EventType { return e.Type }

// NewRoundEvent constructs a round event.
func NewRoundEvent(requestID, taskID string, round int, action string, success *bool, timedOut bool, output, errMsg string, durationMs int64) RoundEvent {
	return RoundEvent{
		eventBase:  eventBase{Type: EventRound, RequestID: requestID, TaskID: taskID},
		Round:      round,
		Action:     action,
		Success:    success,
		TimedOut:   timedOut,
		Output:     output,
		Error:      errMsg,
		DurationMs: durationMs,
	}
}

// FilesChangedEvent lists files an execution created or modified.
type FilesChangedEvent struct {
	eventBase
	Files []string `json:"files"`
}

// NewFilesChangedEvent constructs a files_changed event.
func NewFilesChangedEvent(requestID, taskID string, files []string) FilesChangedEvent {
	return FilesChangedEvent{
		eventBase: eventBase{Type: EventFilesChanged, RequestID: requestID, TaskID: taskID},
		Files:     files,
	}
}

// GetType implements Event.
func (e FilesChangedEvent) GetType() EventType { return e.Type }

// AnswerEvent carries the model text of an ask command.
type AnswerEvent struct {
	eventBase
	Content string `json:"content"`
}

// NewAnswerEvent constructs an answer event.
func NewAnswerEvent(requestID, content string) AnswerEvent {
	return AnswerEvent{
		eventBase: eventBase{Type: EventAnswer, RequestID: requestID},
		Content:   content,
	}
}

// GetType implements Event.
func (e AnswerEvent) GetType() EventType { return e.Type }

// DoneEvent carries the final result of an analysis task.
type DoneEvent struct {
	eventBase
	Status      string   `json:"status"`
	FinalReport string   `json:"final_report"`
	RoundCount  int      `json:"round_count"`
	Artifacts   []string `json:"artifacts"`
	WorkDir     string   `json:"work_dir,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// NewDoneEvent constructs a done event.
func NewDoneEvent(requestID, taskID, status, report string, rounds int, artifacts []string, workDir, errMsg string) DoneEvent {
	if artifacts == nil {
		artifacts = []string{}
	}
	return DoneEvent{
		eventBase:   eventBase{Type: EventDone, RequestID: requestID, TaskID: taskID},
		Status:      status,
		FinalReport: report,
		RoundCount:  rounds,
		Artifacts:   artifacts,
		WorkDir:     workDir,
		Error:       errMsg,
	}
}

// GetType implements Event.
func (e DoneEvent) GetType() EventType { return e.Type }

// ErrorEvent reports protocol problems and failed ask commands.
type ErrorEvent struct {
	eventBase
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// NewErrorEvent constructs an error event.
func NewErrorEvent(requestID, message, kind string) ErrorEvent {
	return ErrorEvent{
		eventBase: eventBase{Type: EventError, RequestID: requestID},
		Message:   message,
		Kind:      kind,
	}
}

// GetType implements Event.
func (e ErrorEvent) GetType() EventType { return e.Type }

// CancelledEvent acknowledges a cancel command.
type CancelledEvent struct {
	eventBase
	Reason string `json:"reason,omitempty"`
}

// NewCancelledEvent constructs a cancelled event.
func NewCancelledEvent(requestID, reason string) CancelledEvent {
	return CancelledEvent{
		eventBase: eventBase{Type: EventCancelled, RequestID: requestID},
		Reason:    reason,
	}
}

// GetType implements Event.
func (e CancelledEvent) GetType() EventType { return e.Type }
