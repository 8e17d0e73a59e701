// Package supervisor implements AgentSupervisor: the singleton that
// admits start requests, enforces maxConcurrent, owns the
// projectId -> AgentRuntime table, and reacts to crashes and mode
// switches. It holds runtimes by id only — runtimes never hold a
// back-reference to it, communicating instead through the shared
// EventBus.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"loom/internal/apperr"
	"loom/internal/convstore"
	"loom/internal/domain"
	"loom/internal/eventbus"
	"loom/internal/logx"
	"loom/internal/projectstore"
	"loom/internal/runtime"
)

// StartRequest is everything needed to admit (or queue) one project's
// agent.
type StartRequest struct {
	ProjectPath    string
	InitialPrompt  string
	Images         []string
	SessionID      string
	PermissionMode domain.PermissionMode
	ModelOverride  string
	Mode           domain.AgentMode
	DenyAllowRules []string

	// ExistingConversationID, when set, reuses a conversation instead of
	// creating a new one — used by mode-switch respawns, which preserve
	// the vendor session and so should keep appending to the same local
	// conversation rather than starting a fresh one (contrast with crash
	// recovery, which deliberately starts a new conversation).
	ExistingConversationID string
}

// WaitingSlot is one FIFO-queued admission request.
type WaitingSlot struct {
	ProjectID    string
	EnqueuedAt   time.Time
	StartRequest StartRequest
}

// Supervisor is the AgentSupervisor singleton. Construct with New.
type Supervisor struct {
	conv     *convstore.Store
	projects *projectstore.Store
	bus      *eventbus.Bus
	log      *logx.Logger

	assistantCommand string
	assistantArgs    []string
	modeSwitchDelay  time.Duration
	maxConcurrent    int

	mu        sync.Mutex
	runtimes  map[string]*runtime.Runtime
	admitting int // slots reserved by in-flight admits, counted against maxConcurrent
	waiting   []WaitingSlot

	ctx    context.Context
	cancel context.CancelFunc
}

// Deps bundles Supervisor's collaborators, all explicitly constructed
// and injected by main.
type Deps struct {
	Conv             *convstore.Store
	Projects         *projectstore.Store
	Bus              *eventbus.Bus
	Log              *logx.Logger
	AssistantCommand string
	AssistantArgs    []string
	ModeSwitchDelay  time.Duration
	MaxConcurrent    int
}

// New constructs a Supervisor and subscribes it to the EventBus for the
// agent_waiting notifications that drive deferred mode switches.
func New(deps Deps) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		conv:             deps.Conv,
		projects:         deps.Projects,
		bus:              deps.Bus,
		log:              deps.Log,
		assistantCommand: deps.AssistantCommand,
		assistantArgs:    deps.AssistantArgs,
		modeSwitchDelay:  deps.ModeSwitchDelay,
		maxConcurrent:    deps.MaxConcurrent,
		runtimes:         make(map[string]*runtime.Runtime),
		ctx:              ctx,
		cancel:           cancel,
	}
	s.bus.Subscribe(s.onEvent)
	return s
}

func (s *Supervisor) onEvent(ev domain.Event) {
	if ev.Kind == domain.EventAgentStatus {
		if payload, ok := ev.Payload.(domain.AgentStatusPayload); ok && payload.ContextUsage != nil {
			if _, err := s.projects.Update(ev.ProjectID, func(p *domain.Project) {
				p.LastContextUsage = payload.ContextUsage
			}); err != nil && s.log != nil {
				s.log.Warn("update context usage for %s: %v", ev.ProjectID, err)
			}
		}
		return
	}
	if ev.Kind != domain.EventAgentWaiting {
		return
	}
	payload, ok := ev.Payload.(domain.AgentWaitingPayload)
	if !ok || !payload.IsWaiting {
		return
	}
	s.mu.Lock()
	rt, ok := s.runtimes[ev.ProjectID]
	s.mu.Unlock()
	if !ok {
		return
	}
	pendingMode, ok := rt.PendingPermissionMode()
	if !ok {
		return
	}
	go s.modeSwitch(ev.ProjectID, rt, pendingMode, rt.Status().Mode)
}

// RunningCount reports how many runtimes are currently admitted.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runtimes)
}

// QueuedProjects returns the projectIds currently FIFO-queued, in
// enqueue order.
func (s *Supervisor) QueuedProjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.waiting))
	for i, w := range s.waiting {
		out[i] = w.ProjectID
	}
	return out
}

// MaxConcurrent returns the configured admission ceiling.
func (s *Supervisor) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConcurrent
}

// SetMaxConcurrent updates the admission ceiling at runtime (via
// PUT /api/settings) and tries to admit queued slots if it increased.
func (s *Supervisor) SetMaxConcurrent(n int) {
	s.mu.Lock()
	s.maxConcurrent = n
	s.mu.Unlock()
	s.tryAdmitNext()
}

// Runtime returns the live runtime for a project, if any.
func (s *Supervisor) Runtime(projectID string) (*runtime.Runtime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[projectID]
	return rt, ok
}

// Start admits projectID immediately while capacity remains, and
// FIFO-queues the request otherwise.
func (s *Supervisor) Start(projectID string, req StartRequest) error {
	s.mu.Lock()

	if rt, running := s.runtimes[projectID]; running {
		status := rt.Status()
		s.mu.Unlock()
		switch {
		case status.Mode == req.Mode && status.PermissionMode == req.PermissionMode:
			// duplicate start in the same mode is a no-op
		case status.Mode != req.Mode:
			go s.modeSwitch(projectID, rt, req.PermissionMode, req.Mode)
		default:
			// permission mode can only change between sessions; defer the
			// switch until the runtime is next waiting for input.
			rt.RequestPermissionMode(req.PermissionMode)
		}
		return nil
	}

	if len(s.runtimes)+s.admitting < s.maxConcurrent {
		s.admitting++
		s.mu.Unlock()
		return s.admit(projectID, req)
	}

	s.waiting = append(s.waiting, WaitingSlot{ProjectID: projectID, EnqueuedAt: time.Now().UTC(), StartRequest: req})
	s.mu.Unlock()

	if _, err := s.projects.Update(projectID, func(p *domain.Project) { p.Status = domain.ProjectQueued }); err != nil {
		return err
	}
	s.publishQueueChange()
	return nil
}

// admit spawns a runtime into a slot previously reserved (admitting++)
// by the caller under s.mu; every return path releases the reservation.
func (s *Supervisor) admit(projectID string, req StartRequest) error {
	release := func() {
		s.mu.Lock()
		s.admitting--
		s.mu.Unlock()
	}

	var conv domain.Conversation
	var err error
	if req.ExistingConversationID != "" {
		conv, err = s.conv.FindByID(projectID, req.ExistingConversationID)
	} else {
		conv, err = s.conv.Create(projectID, "")
	}
	if err != nil {
		release()
		return err
	}

	rt := runtime.New(projectID, conv.ID, s.conv, s.bus, logx.NewLogger("runtime").With(projectID), s.assistantCommand, s.assistantArgs, s.modeSwitchDelay)

	opts := runtime.StartOptions{
		ProjectPath:    req.ProjectPath,
		InitialPrompt:  req.InitialPrompt,
		Images:         req.Images,
		SessionID:      req.SessionID,
		PermissionMode: string(req.PermissionMode),
		ModelOverride:  req.ModelOverride,
		Mode:           string(req.Mode),
		DenyAllowRules: req.DenyAllowRules,
	}
	if err := rt.Start(s.ctx, opts); err != nil {
		release()
		_, _ = s.projects.Update(projectID, func(p *domain.Project) { p.Status = domain.ProjectError })
		return err
	}

	s.mu.Lock()
	s.runtimes[projectID] = rt
	s.admitting--
	s.mu.Unlock()

	if _, err := s.projects.Update(projectID, func(p *domain.Project) {
		p.Status = domain.ProjectRunning
		p.CurrentConversationID = conv.ID
	}); err != nil {
		return err
	}

	go s.watchExit(projectID, rt)
	s.publishQueueChange()
	return nil
}

func (s *Supervisor) watchExit(projectID string, rt *runtime.Runtime) {
	result := <-rt.Exited()

	s.mu.Lock()
	if current, ok := s.runtimes[projectID]; ok && current == rt {
		delete(s.runtimes, projectID)
	}
	s.mu.Unlock()

	s.bus.Publish(domain.Event{Kind: domain.EventAgentStopped, ProjectID: projectID})
	s.publishQueueChange()

	if _, err := s.projects.Update(projectID, func(p *domain.Project) { p.Status = domain.ProjectStopped }); err != nil && s.log != nil {
		s.log.Error("supervisor: update status after exit for %s: %v", projectID, err)
	}

	if result.Crashed && result.HadPendingIntent {
		newConv, err := s.conv.Create(projectID, "")
		if err != nil {
			if s.log != nil {
				s.log.Error("supervisor: session recovery for %s failed to create conversation: %v", projectID, err)
			}
		} else {
			_, _ = s.projects.Update(projectID, func(p *domain.Project) { p.CurrentConversationID = newConv.ID })
			s.bus.Publish(domain.Event{
				Kind:      domain.EventSessionRecovery,
				ProjectID: projectID,
				Payload:   domain.SessionRecoveryPayload{NewConversationID: newConv.ID, Reason: "child exited unexpectedly"},
			})
		}
	}

	s.tryAdmitNext()
}

// tryAdmitNext dequeues and admits waiting slots while capacity allows.
func (s *Supervisor) tryAdmitNext() {
	for {
		s.mu.Lock()
		if len(s.waiting) == 0 || len(s.runtimes)+s.admitting >= s.maxConcurrent {
			s.mu.Unlock()
			return
		}
		slot := s.waiting[0]
		s.waiting = s.waiting[1:]
		s.admitting++
		s.mu.Unlock()

		if err := s.admit(slot.ProjectID, slot.StartRequest); err != nil && s.log != nil {
			s.log.Error("supervisor: admit queued project %s failed: %v", slot.ProjectID, err)
		}
		s.publishQueueChange()
	}
}

func (s *Supervisor) publishQueueChange() {
	s.mu.Lock()
	payload := domain.QueueChangePayload{
		RunningCount:   len(s.runtimes),
		MaxConcurrent:  s.maxConcurrent,
		QueuedCount:    len(s.waiting),
		QueuedProjects: s.queuedProjectsLocked(),
	}
	s.mu.Unlock()
	s.bus.Publish(domain.Event{Kind: domain.EventQueueChange, Payload: payload})
}

func (s *Supervisor) queuedProjectsLocked() []string {
	out := make([]string, len(s.waiting))
	for i, w := range s.waiting {
		out[i] = w.ProjectID
	}
	return out
}

// Stop cancels a running project's agent, or removes it from the
// waiting queue if it was only queued.
func (s *Supervisor) Stop(projectID string) error {
	s.mu.Lock()
	if rt, ok := s.runtimes[projectID]; ok {
		s.mu.Unlock()
		rt.Cancel()
		return nil
	}
	for i, w := range s.waiting {
		if w.ProjectID == projectID {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			s.mu.Unlock()
			_, err := s.projects.Update(projectID, func(p *domain.Project) { p.Status = domain.ProjectStopped })
			s.publishQueueChange()
			return err
		}
	}
	s.mu.Unlock()
	return apperr.NotFound("no agent running or queued for project %s", projectID)
}

// modeSwitch stops the current child and respawns it after a
// configurable delay with the same sessionId and the new permission
// mode. Respawning too fast makes the vendor CLI report the session as
// still in use, hence the delay.
func (s *Supervisor) modeSwitch(projectID string, rt *runtime.Runtime, newMode domain.PermissionMode, agentMode domain.AgentMode) {
	delay := rt.ModeSwitchDelay()
	sessionID := rt.SessionID()
	conversationID := rt.ConversationID()

	rt.Cancel()

	// Remove rt eagerly rather than waiting on watchExit's goroutine to
	// schedule: Cancel already drove it to STOPPED synchronously, and
	// Start below must not see a stale "already running" entry. watchExit
	// still runs and no-ops its own delete (current != rt after Start
	// installs the replacement), but does still publish agent_stopped
	// and attempt tryAdmitNext, both harmless here.
	s.mu.Lock()
	if current, ok := s.runtimes[projectID]; ok && current == rt {
		delete(s.runtimes, projectID)
	}
	s.mu.Unlock()

	time.Sleep(delay)

	req := StartRequest{
		SessionID:              sessionID,
		PermissionMode:         newMode,
		Mode:                   agentMode,
		ExistingConversationID: conversationID,
	}
	if p, err := s.projects.Get(projectID); err == nil {
		req.ProjectPath = p.AbsolutePath
	}
	if err := s.Start(projectID, req); err != nil && s.log != nil {
		s.log.Error("supervisor: mode switch respawn for %s failed: %v", projectID, err)
	}
}

// Shutdown cancels every runtime concurrently, awaits their exit and a
// final ConversationStore flush, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	runtimes := make([]*runtime.Runtime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		runtimes = append(runtimes, rt)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range runtimes {
		rt := rt
		g.Go(func() error {
			rt.Cancel()
			select {
			case <-rt.Exited():
			case <-gctx.Done():
				return gctx.Err()
			}
			return nil
		})
	}

	err := g.Wait()
	s.conv.Flush()
	s.cancel()
	if err != nil {
		return fmt.Errorf("supervisor: shutdown: %w", err)
	}
	return nil
}
