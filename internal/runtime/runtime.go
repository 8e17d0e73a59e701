// Package runtime implements AgentRuntime: one instance wraps a single
// child coding-assistant process for one project for one session,
// parses its JSON event stream, correlates tool calls, tracks
// waiting-for-input, forwards user input, and emits events.
package runtime

import (
	"bufio"
	"context"
	"sync"
	"time"

	"loom/internal/apperr"
	"loom/internal/convstore"
	"loom/internal/domain"
	"loom/internal/eventbus"
	"loom/internal/logx"
	"loom/internal/promptinterp"
)

const (
	readCacheCapacity = 10
	readCacheTTL      = 5 * time.Minute
	terminateGrace    = 5 * time.Second
	stdoutBufferBytes = 1 << 20 // 1MB, matches the ceiling needed for large tool payloads
)

type queuedMessage struct {
	text   string
	images []string
}

// ExitResult is handed to the owner (AgentSupervisor) when a Runtime
// leaves a running state, so it can update ProjectStore and decide
// whether to start the next waiting slot.
type ExitResult struct {
	ProjectID         string
	Crashed           bool
	HadPendingIntent  bool
	NewConversationID string // set only when a crash triggers session recovery
}

// Runtime is one AgentRuntime instance.
type Runtime struct {
	projectID string
	spawnCfg  spawnConfig
	conv      *convstore.Store
	bus       *eventbus.Bus
	log       *logx.Logger

	modeSwitchDelay time.Duration

	mu                    sync.Mutex
	state                 State
	child                 *childProcess
	mode                  domain.AgentMode
	permissionMode        domain.PermissionMode
	pendingPermissionMode *domain.PermissionMode
	sessionID             string
	conversationID        string
	isWaitingForInput     bool
	waitingVersion        int
	queuedUserMessages    []queuedMessage
	startedAt             time.Time
	lastActivityAt        time.Time
	planFile              string
	pendingReadPath       string
	pendingTools          map[string]string // toolId -> tool name, awaiting tool_result
	lastContextUsage      *domain.ContextUsage
	spawnArgv             []string
	stdinBusy             bool

	readCache *readCache

	stdoutDone chan struct{}
	stderrDone chan struct{}
	exitOnce   sync.Once
	exitCh     chan ExitResult
}

// New constructs a Runtime bound to one conversation. Start must be
// called before any other method.
func New(projectID, conversationID string, conv *convstore.Store, bus *eventbus.Bus, log *logx.Logger, assistantCommand string, assistantArgs []string, modeSwitchDelay time.Duration) *Runtime {
	return &Runtime{
		projectID:       projectID,
		conversationID:  conversationID,
		conv:            conv,
		bus:             bus,
		log:             log,
		spawnCfg:        spawnConfig{Command: assistantCommand, Args: assistantArgs},
		modeSwitchDelay: modeSwitchDelay,
		state:           StateStarting,
		readCache:       newReadCache(readCacheCapacity, readCacheTTL),
		pendingTools:    make(map[string]string),
		stdoutDone:      make(chan struct{}),
		stderrDone:      make(chan struct{}),
		exitCh:          make(chan ExitResult, 1),
	}
}

// Exited returns a channel that receives exactly one ExitResult when
// this Runtime leaves its running states.
func (r *Runtime) Exited() <-chan ExitResult { return r.exitCh }

// Start spawns the child process and begins the stdout/stderr reader
// goroutines. It returns once the spawn has either succeeded (state
// RUNNING_IDLE, or RUNNING_BUSY when an initial prompt was written) or
// failed (state FAILED).
func (r *Runtime) Start(ctx context.Context, opts StartOptions) error {
	r.mu.Lock()
	r.mode = domain.AgentMode(opts.Mode)
	r.permissionMode = domain.PermissionMode(opts.PermissionMode)
	r.sessionID = opts.SessionID
	r.mu.Unlock()

	child, err := spawnChild(ctx, r.spawnCfg, opts)
	if err != nil {
		r.setState(StateFailed)
		return apperr.ChildExited("spawn failed: %v", err)
	}

	r.mu.Lock()
	r.child = child
	r.spawnArgv = child.argv
	r.startedAt = time.Now().UTC()
	r.lastActivityAt = r.startedAt
	r.mu.Unlock()

	go r.readStdout(child)
	go r.readStderr(child)
	go r.waitChild(child)

	if opts.InitialPrompt != "" || len(opts.Images) > 0 {
		r.appendMessage(domain.NewUserMessage(opts.InitialPrompt, time.Now().UTC()))
		if err := child.writeTurn(opts.InitialPrompt, opts.Images); err != nil {
			r.setState(StateFailed)
			return apperr.ChildExited("initial write failed: %v", err)
		}
		r.setState(StateRunningBusy)
	} else {
		r.setState(StateRunningIdle)
	}
	r.bus.Publish(domain.Event{Kind: domain.EventAgentStarted, ProjectID: r.projectID})
	return nil
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Runtime) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status returns the current externally-observable status snapshot.
func (r *Runtime) Status() domain.AgentStatusPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.AgentStatusPayload{
		Status:             r.projectStatusLocked(),
		Mode:               r.mode,
		SessionID:          r.sessionID,
		PermissionMode:     r.permissionMode,
		IsWaitingForInput:  r.isWaitingForInput,
		WaitingVersion:     r.waitingVersion,
		QueuedMessageCount: len(r.queuedUserMessages),
		ContextUsage:       r.lastContextUsage,
	}
}

func (r *Runtime) projectStatusLocked() domain.ProjectStatus {
	if r.state.running() {
		return domain.ProjectRunning
	}
	if r.state == StateFailed {
		return domain.ProjectError
	}
	return domain.ProjectStopped
}

// DebugInfo backs GET /api/projects/:id/agent/debug.
type DebugInfo struct {
	Argv []string
	Cwd  string
}

// ReadCachePreview returns the cached pre-image content for path, used
// by the diff-preview endpoint.
func (r *Runtime) ReadCachePreview(path string) (string, bool) {
	return r.readCache.Get(path)
}

// Debug returns the recorded spawn command for the debug tab.
func (r *Runtime) Debug() DebugInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	cwd := ""
	if r.child != nil {
		cwd = r.child.cmd.Dir
	}
	return DebugInfo{Argv: append([]string(nil), r.spawnArgv...), Cwd: cwd}
}

// SendMessage appends a user message to the conversation and forwards it
// to the child. If the child is currently mid-turn (a stdin write is
// pending, or a turn is running) and no blocking prompt is open, the
// message is queued and drained in order once the child is ready. While a blocking prompt
// is open, the reply is written immediately and is the only permitted
// interaction; the queue is not consulted until it drains.
func (r *Runtime) SendMessage(text string, images []string) error {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return apperr.Conflict("runtime for %s is not running", r.projectID)
	}
	// A blocking prompt's reply always goes straight through; anything
	// else queues while the child is mid-turn or a write is in flight.
	busy := !r.isWaitingForInput && (r.stdinBusy || r.state == StateRunningBusy)
	r.mu.Unlock()

	r.appendMessage(domain.NewUserMessage(text, time.Now().UTC()))
	r.bus.Publish(domain.Event{Kind: domain.EventUserSentMessage, ProjectID: r.projectID})

	if busy {
		r.mu.Lock()
		r.queuedUserMessages = append(r.queuedUserMessages, queuedMessage{text: text, images: images})
		count := len(r.queuedUserMessages)
		r.mu.Unlock()
		r.bus.Publish(domain.Event{Kind: domain.EventQueueChange, ProjectID: r.projectID,
			Payload: domain.MessageQueuePayload{QueuedMessageCount: count}})
		return nil
	}

	return r.writeNow(text, images)
}

func (r *Runtime) writeNow(text string, images []string) error {
	r.mu.Lock()
	child := r.child
	r.stdinBusy = true
	r.isWaitingForInput = false
	r.waitingVersion++
	version := r.waitingVersion
	r.mu.Unlock()

	r.bus.Publish(domain.Event{Kind: domain.EventAgentWaiting, ProjectID: r.projectID,
		Payload: domain.AgentWaitingPayload{IsWaiting: false, Version: version}})

	if child == nil {
		return apperr.Conflict("runtime for %s has no live child", r.projectID)
	}
	if err := child.writeTurn(text, images); err != nil {
		return apperr.ChildExited("write failed: %v", err)
	}

	r.mu.Lock()
	r.stdinBusy = false
	r.state = StateRunningBusy
	r.mu.Unlock()
	return nil
}

// drainQueue writes the next queued message, if any, once the child
// becomes ready to accept input again.
func (r *Runtime) drainQueue() {
	r.mu.Lock()
	if len(r.queuedUserMessages) == 0 {
		r.mu.Unlock()
		return
	}
	next := r.queuedUserMessages[0]
	r.queuedUserMessages = r.queuedUserMessages[1:]
	remaining := len(r.queuedUserMessages)
	r.mu.Unlock()

	r.bus.Publish(domain.Event{Kind: domain.EventQueueChange, ProjectID: r.projectID,
		Payload: domain.MessageQueuePayload{QueuedMessageCount: remaining}})
	if err := r.writeNow(next.text, next.images); err != nil && r.log != nil {
		r.log.Error("runtime %s: drain queue write failed: %v", r.projectID, err)
	}
}

// QueuedMessages returns a snapshot of queued user messages for the REST
// queue-inspection endpoints.
func (r *Runtime) QueuedMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.queuedUserMessages))
	for i, m := range r.queuedUserMessages {
		out[i] = m.text
	}
	return out
}

// DeleteQueuedMessage removes the message at index from the queue.
func (r *Runtime) DeleteQueuedMessage(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.queuedUserMessages) {
		return apperr.NotFound("queue index %d out of range", index)
	}
	r.queuedUserMessages = append(r.queuedUserMessages[:index], r.queuedUserMessages[index+1:]...)
	return nil
}

// ClearQueue drops every queued user message.
func (r *Runtime) ClearQueue() {
	r.mu.Lock()
	r.queuedUserMessages = nil
	r.mu.Unlock()
}

// RequestPermissionMode stores a permission-mode change to take effect
// on the next waiting-for-input transition; the actual stop+respawn is
// Supervisor's job.
func (r *Runtime) RequestPermissionMode(mode domain.PermissionMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.permissionMode == mode {
		r.pendingPermissionMode = nil
		return
	}
	m := mode
	r.pendingPermissionMode = &m
}

// PendingPermissionMode returns the deferred mode-switch target, if any.
func (r *Runtime) PendingPermissionMode() (domain.PermissionMode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingPermissionMode == nil {
		return "", false
	}
	return *r.pendingPermissionMode, true
}

// ModeSwitchDelay is the configured respawn delay for mode switches.
func (r *Runtime) ModeSwitchDelay() time.Duration { return r.modeSwitchDelay }

// ConversationID returns the local conversation this runtime appends to.
func (r *Runtime) ConversationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversationID
}

// SessionID returns the vendor session id last reported by the child,
// for a subsequent resume.
func (r *Runtime) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Cancel terminates the child (SIGTERM, then SIGKILL after a grace
// period) and transitions to STOPPED. Queued user messages are dropped.
func (r *Runtime) Cancel() {
	r.mu.Lock()
	child := r.child
	r.queuedUserMessages = nil
	r.mu.Unlock()

	if child != nil {
		child.terminate(terminateGrace)
	}
	r.finish(ExitResult{ProjectID: r.projectID, Crashed: false})
}

func (r *Runtime) finish(result ExitResult) {
	r.setState(StateStopped)
	r.exitOnce.Do(func() {
		r.exitCh <- result
		close(r.exitCh)
	})
}

// waitChild reaps the child once its output streams hit EOF. Waiting on
// the readers first means every buffered stdout line has been handled
// before the pending-intent check below, and satisfies os/exec's rule
// that pipe reads complete before Wait.
func (r *Runtime) waitChild(child *childProcess) {
	<-r.stdoutDone
	<-r.stderrDone
	err := child.cmd.Wait()

	r.mu.Lock()
	hadPendingIntent := len(r.queuedUserMessages) > 0 || r.isWaitingForInput || r.state == StateRunningBusy
	alreadyStopping := r.state == StateStopped
	r.mu.Unlock()

	if alreadyStopping {
		return
	}

	r.finish(ExitResult{ProjectID: r.projectID, Crashed: err != nil, HadPendingIntent: err != nil && hadPendingIntent})
}

func (r *Runtime) readStderr(child *childProcess) {
	defer close(r.stderrDone)
	scanner := bufio.NewScanner(child.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), stdoutBufferBytes)
	for scanner.Scan() {
		if r.log != nil {
			r.log.Debug("child stderr: %s", scanner.Text())
		}
	}
}

func (r *Runtime) readStdout(child *childProcess) {
	defer close(r.stdoutDone)
	scanner := bufio.NewScanner(child.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), stdoutBufferBytes)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		r.mu.Lock()
		r.lastActivityAt = time.Now().UTC()
		r.mu.Unlock()
		r.handleLine(line)
	}
}

func (r *Runtime) handleLine(line []byte) {
	if prompt := promptinterp.Classify(line); prompt.Kind != promptinterp.KindNone {
		r.handlePrompt(prompt)
		return
	}
	r.handleEnvelope(line)
}

func (r *Runtime) appendMessage(msg domain.Message) {
	if _, err := r.conv.AddMessage(r.projectID, r.conversationID, msg); err != nil {
		if r.log != nil {
			r.log.Error("append message failed: %v", err)
		}
		return
	}
	r.bus.Publish(domain.Event{
		Kind:      domain.EventAgentMessage,
		ProjectID: r.projectID,
		Payload:   domain.AgentMessagePayload{ConversationID: r.conversationID, Message: msg},
	})
}
