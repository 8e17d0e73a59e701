// Package domain holds the data model shared by every component:
// projects, conversations, the message tagged union, and the event
// payloads carried over the EventBus.
package domain

import "time"

// MessageType is the closed set of Message variants.
type MessageType string

const (
	MessageUser       MessageType = "user"
	MessageAssistant  MessageType = "assistant"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageSystem     MessageType = "system"
	MessageQuestion   MessageType = "question"
	MessagePermission MessageType = "permission"
	MessagePlanMode   MessageType = "plan_mode"
	MessageCompaction MessageType = "compaction"
)

// ToolResultStatus is the outcome of a tool_result message.
type ToolResultStatus string

const (
	ToolResultCompleted ToolResultStatus = "completed"
	ToolResultFailed    ToolResultStatus = "failed"
)

// PlanModeAction distinguishes entering vs exiting plan mode.
type PlanModeAction string

const (
	PlanModeEnter PlanModeAction = "enter"
	PlanModeExit  PlanModeAction = "exit"
)

// Message is a tagged union over every variant the child process and the
// user can produce. Exactly one of the variant-specific pointer fields is
// populated, selected by Type; this mirrors a discriminated union without
// resorting to interface{} field sniffing.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	IsDebug   bool        `json:"isDebug,omitempty"`

	// user, assistant, system, compaction share a plain text body.
	Content string `json:"content,omitempty"`

	ToolUse    *ToolUsePayload    `json:"toolUse,omitempty"`
	ToolResult *ToolResultPayload `json:"toolResult,omitempty"`
	Question   *QuestionPayload   `json:"question,omitempty"`
	Permission *PermissionPayload `json:"permission,omitempty"`
	PlanMode   *PlanModePayload   `json:"planMode,omitempty"`
	Compaction *CompactionPayload `json:"compaction,omitempty"`
}

type ToolUsePayload struct {
	ToolID string `json:"toolId"`
	Name   string `json:"name"`
	Input  any    `json:"input"`
}

type ToolResultPayload struct {
	ToolID        string           `json:"toolId"`
	Status        ToolResultStatus `json:"status"`
	ResultContent string           `json:"resultContent,omitempty"`
}

type QuestionPayload struct {
	Header   string   `json:"header"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

type PermissionPayload struct {
	Tool    string         `json:"tool"`
	Action  string         `json:"action"`
	Details map[string]any `json:"details,omitempty"`
}

type PlanModePayload struct {
	Action   PlanModeAction `json:"action"`
	PlanFile string         `json:"planFile,omitempty"`
}

type CompactionPayload struct {
	Summary string `json:"summary"`
}

// NewUserMessage builds a user message with the given text content.
func NewUserMessage(content string, at time.Time) Message {
	return Message{Type: MessageUser, Content: content, Timestamp: at}
}

// NewAssistantMessage builds an assistant text message.
func NewAssistantMessage(content string, at time.Time) Message {
	return Message{Type: MessageAssistant, Content: content, Timestamp: at}
}

// NewSystemMessage builds a system message.
func NewSystemMessage(content string, at time.Time) Message {
	return Message{Type: MessageSystem, Content: content, Timestamp: at}
}

// NewToolUseMessage builds a tool_use message.
func NewToolUseMessage(toolID, name string, input any, at time.Time) Message {
	return Message{Type: MessageToolUse, Timestamp: at, ToolUse: &ToolUsePayload{ToolID: toolID, Name: name, Input: input}}
}

// NewToolResultMessage builds a tool_result message.
func NewToolResultMessage(toolID string, status ToolResultStatus, result string, at time.Time) Message {
	return Message{Type: MessageToolResult, Timestamp: at, ToolResult: &ToolResultPayload{ToolID: toolID, Status: status, ResultContent: result}}
}

// NewQuestionMessage builds a question message.
func NewQuestionMessage(header, question string, options []string, at time.Time) Message {
	return Message{Type: MessageQuestion, Timestamp: at, Question: &QuestionPayload{Header: header, Question: question, Options: options}}
}

// NewPermissionMessage builds a permission message.
func NewPermissionMessage(tool, action string, details map[string]any, at time.Time) Message {
	return Message{Type: MessagePermission, Timestamp: at, Permission: &PermissionPayload{Tool: tool, Action: action, Details: details}}
}

// NewPlanModeMessage builds a plan_mode message.
func NewPlanModeMessage(action PlanModeAction, planFile string, at time.Time) Message {
	return Message{Type: MessagePlanMode, Timestamp: at, PlanMode: &PlanModePayload{Action: action, PlanFile: planFile}}
}

// NewCompactionMessage builds a compaction message.
func NewCompactionMessage(summary string, at time.Time) Message {
	return Message{Type: MessageCompaction, Timestamp: at, Compaction: &CompactionPayload{Summary: summary}}
}
