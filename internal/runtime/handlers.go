package runtime

import (
	"encoding/json"
	"strings"
	"time"

	"loom/internal/convstore"
	"loom/internal/domain"
	"loom/internal/promptinterp"
)

func (r *Runtime) handlePrompt(p promptinterp.Result) {
	now := time.Now().UTC()

	switch p.Kind {
	case promptinterp.KindQuestion:
		r.appendMessage(domain.NewQuestionMessage(p.Question.Header, p.Question.Question, p.Question.Options, now))
		r.setWaiting(true)

	case promptinterp.KindPermission:
		r.appendMessage(domain.NewPermissionMessage(p.Permission.Tool, p.Permission.Action, p.Permission.Details, now))
		r.setWaiting(true)

	case promptinterp.KindPlanExit:
		r.mu.Lock()
		planFile := r.planFile
		r.mu.Unlock()
		r.appendMessage(domain.NewPlanModeMessage(domain.PlanModeExit, planFile, now))
		r.setWaiting(true)

	case promptinterp.KindPlanEnter:
		r.appendMessage(domain.NewPlanModeMessage(domain.PlanModeEnter, "", now))
	}
}

// setWaiting transitions isWaitingForInput, bumping waitingVersion and
// publishing agent_waiting. The version is strictly monotonic so
// subscribers can discard stale frames.
func (r *Runtime) setWaiting(waiting bool) {
	r.mu.Lock()
	r.isWaitingForInput = waiting
	r.waitingVersion++
	version := r.waitingVersion
	if waiting {
		r.state = StateWaitingForInput
	}
	r.mu.Unlock()

	r.bus.Publish(domain.Event{
		Kind:      domain.EventAgentWaiting,
		ProjectID: r.projectID,
		Payload:   domain.AgentWaitingPayload{IsWaiting: waiting, Version: version},
	})

	if waiting {
		return
	}
	r.drainQueue()
}

func (r *Runtime) handleEnvelope(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		if r.log != nil {
			r.log.Debug("runtime %s: unparsed stdout line: %v", r.projectID, err)
		}
		return
	}

	switch env.Type {
	case envAssistant:
		r.handleAssistantMessage(env)
	case envToolResult:
		r.handleToolResult(env)
	case envContextUsage:
		r.handleContextUsage(env)
	case envCompaction:
		r.appendMessage(domain.NewCompactionMessage(env.Summary, time.Now().UTC()))
	case envSessionInit:
		r.handleSessionInit(env)
	case envSystem:
		if env.SessionID != "" {
			r.handleSessionInit(env)
		}
		if env.ContextUsage != nil {
			r.handleContextUsage(env)
		}
	case envResult:
		r.handleTurnComplete()
	}

	if env.Status == "idle" {
		r.handleTurnComplete()
	}
}

// handleTurnComplete marks the child ready for the next input and
// drains one queued user message, if any.
func (r *Runtime) handleTurnComplete() {
	r.mu.Lock()
	if r.state != StateRunningBusy {
		r.mu.Unlock()
		return
	}
	r.state = StateRunningIdle
	r.mu.Unlock()

	r.bus.Publish(domain.Event{Kind: domain.EventAssistantResponseComplete, ProjectID: r.projectID})
	r.drainQueue()
}

func (r *Runtime) handleAssistantMessage(env envelope) {
	if env.Message == nil {
		return
	}
	now := time.Now().UTC()
	for _, block := range env.Message.Content {
		switch block.Type {
		case "text":
			r.appendMessage(domain.NewAssistantMessage(block.Text, now))
		case "tool_use":
			r.handleToolUse(block, now)
		}
	}
}

func (r *Runtime) handleToolUse(block contentBlock, at time.Time) {
	r.mu.Lock()
	r.pendingTools[block.ID] = block.Name
	r.mu.Unlock()

	r.appendMessage(domain.NewToolUseMessage(block.ID, block.Name, block.Input, at))
	r.bus.Publish(domain.Event{
		Kind:      domain.EventToolUseStarted,
		ProjectID: r.projectID,
		Payload:   domain.ToolEventPayload{ConversationID: r.conversationID, ToolID: block.ID, Name: block.Name},
	})

	switch block.Name {
	case "Read":
		if path, ok := inputString(block.Input, "file_path"); ok {
			// The actual file content is supplied later in the matching
			// tool_result; record the path now so handleToolResult knows
			// to cache it.
			r.mu.Lock()
			r.pendingReadPath = path
			r.mu.Unlock()
		}
	case "Write", "Edit":
		if path, ok := inputString(block.Input, "file_path"); ok && strings.HasPrefix(path, "plans/") && strings.HasSuffix(path, ".md") {
			r.mu.Lock()
			r.planFile = path
			r.mu.Unlock()
		}
	case "TodoWrite":
		// Tasks snapshot is carried in the tool_use input itself; nothing
		// further to track beyond the appended message above.
	}
}

func inputString(input any, key string) (string, bool) {
	m, ok := input.(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (r *Runtime) handleToolResult(env envelope) {
	status := domain.ToolResultCompleted
	if env.IsError {
		status = domain.ToolResultFailed
	}

	r.mu.Lock()
	toolName := r.pendingTools[env.ToolUseID]
	delete(r.pendingTools, env.ToolUseID)
	r.mu.Unlock()

	r.appendMessage(domain.NewToolResultMessage(env.ToolUseID, status, env.Content, time.Now().UTC()))
	r.bus.Publish(domain.Event{
		Kind:      domain.EventToolUseCompleted,
		ProjectID: r.projectID,
		Payload:   domain.ToolEventPayload{ConversationID: r.conversationID, ToolID: env.ToolUseID, Name: toolName},
	})

	r.mu.Lock()
	pendingPath := r.pendingReadPath
	r.pendingReadPath = ""
	r.mu.Unlock()
	if pendingPath != "" && !env.IsError {
		r.readCache.Put(pendingPath, env.Content)
	}
}

func (r *Runtime) handleContextUsage(env envelope) {
	if env.ContextUsage == nil {
		return
	}
	usage := &domain.ContextUsage{UsedTokens: env.ContextUsage.UsedTokens, LimitTokens: env.ContextUsage.LimitTokens}
	r.mu.Lock()
	r.lastContextUsage = usage
	r.mu.Unlock()

	_, err := r.conv.UpdateMetadata(r.projectID, r.conversationID, convstore.MetadataPatch{ContextUsage: usage})
	if err != nil && r.log != nil {
		r.log.Error("runtime %s: update context usage failed: %v", r.projectID, err)
	}
	r.bus.Publish(domain.Event{
		Kind:      domain.EventAgentStatus,
		ProjectID: r.projectID,
		Payload:   r.Status(),
	})
}

func (r *Runtime) handleSessionInit(env envelope) {
	if env.SessionID == "" {
		return
	}
	r.mu.Lock()
	r.sessionID = env.SessionID
	r.mu.Unlock()

	sid := env.SessionID
	_, err := r.conv.UpdateMetadata(r.projectID, r.conversationID, convstore.MetadataPatch{SessionID: &sid})
	if err != nil && r.log != nil {
		r.log.Error("runtime %s: persist session id failed: %v", r.projectID, err)
	}
}
