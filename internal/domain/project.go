package domain

import (
	"regexp"
	"time"
)

// ProjectStatus is the closed set of states a Project can report.
type ProjectStatus string

const (
	ProjectStopped ProjectStatus = "stopped"
	ProjectQueued  ProjectStatus = "queued"
	ProjectRunning ProjectStatus = "running"
	ProjectError   ProjectStatus = "error"
)

// PermissionMode controls how the assistant child treats tool approval.
type PermissionMode string

const (
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionPlan        PermissionMode = "plan"
)

// AgentMode is interactive (waits for user turns) or autonomous (runs to
// completion unattended).
type AgentMode string

const (
	AgentInteractive AgentMode = "interactive"
	AgentAutonomous  AgentMode = "autonomous"
)

// ContextUsage is the last-reported token/context window snapshot.
type ContextUsage struct {
	UsedTokens  int `json:"usedTokens"`
	LimitTokens int `json:"limitTokens"`
}

// Project is the registry entry for one supervised working directory.
type Project struct {
	ID                    string         `json:"id"`
	Name                  string         `json:"name"`
	AbsolutePath          string         `json:"absolutePath"`
	Status                ProjectStatus  `json:"status"`
	CurrentConversationID string         `json:"currentConversationId,omitempty"`
	LastContextUsage      *ContextUsage  `json:"lastContextUsage,omitempty"`
	PermissionOverrides   map[string]any `json:"permissionOverrides,omitempty"`
	ModelOverride         string         `json:"modelOverride,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// DeriveProjectID computes a deterministic, filesystem-safe id from an
// absolute path: every non-alphanumeric character becomes an underscore,
// so a run of them becomes a run of underscores.
func DeriveProjectID(absolutePath string) string {
	return nonAlphaNum.ReplaceAllString(absolutePath, "_")
}
