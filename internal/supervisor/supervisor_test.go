package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"loom/internal/convstore"
	"loom/internal/domain"
	"loom/internal/eventbus"
	"loom/internal/projectstore"
)

type fakeConvResolver struct{ root string }

func (f fakeConvResolver) ConversationsDir(projectID string) (string, error) {
	return filepath.Join(f.root, projectID, "conversations"), nil
}

// fakeAssistant writes a POSIX shell script that ignores every flag the
// real vendor CLI is invoked with and runs the given body, standing in
// for a real "claude" binary so Supervisor.Start can be exercised
// without one.
func fakeAssistant(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-assistant.sh")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestSupervisor(t *testing.T, assistant string, maxConcurrent int) (*Supervisor, *projectstore.Store) {
	t.Helper()
	globalDir := t.TempDir()
	projects, err := projectstore.New(globalDir, nil)
	require.NoError(t, err)

	bus := eventbus.New(nil)
	conv := convstore.New(fakeConvResolver{root: globalDir}, 1000, nil, nil)

	s := New(Deps{
		Conv:             conv,
		Projects:         projects,
		Bus:              bus,
		AssistantCommand: assistant,
		ModeSwitchDelay:  10 * time.Millisecond,
		MaxConcurrent:    maxConcurrent,
	})
	return s, projects
}

func registerProject(t *testing.T, projects *projectstore.Store) domain.Project {
	t.Helper()
	p, err := projects.Create(t.TempDir(), "")
	require.NoError(t, err)
	return p
}

// A third start request queues rather than admits once two slots are
// full, and is admitted in order once a running slot frees up.
func TestFIFOQueueingUnderMaxConcurrent(t *testing.T) {
	assistant := fakeAssistant(t, "cat >/dev/null\n") // blocks reading stdin until closed
	s, projects := newTestSupervisor(t, assistant, 2)

	p1 := registerProject(t, projects)
	p2 := registerProject(t, projects)
	p3 := registerProject(t, projects)

	require.NoError(t, s.Start(p1.ID, StartRequest{ProjectPath: p1.AbsolutePath}))
	require.NoError(t, s.Start(p2.ID, StartRequest{ProjectPath: p2.AbsolutePath}))
	require.NoError(t, s.Start(p3.ID, StartRequest{ProjectPath: p3.AbsolutePath}))

	require.Equal(t, 2, s.RunningCount())
	require.Equal(t, []string{p3.ID}, s.QueuedProjects())

	rt1, ok := s.Runtime(p1.ID)
	require.True(t, ok)
	rt1.Cancel()

	require.Eventually(t, func() bool {
		return len(s.QueuedProjects()) == 0
	}, 2*time.Second, 10*time.Millisecond, "queued project should be admitted once a slot frees up")
	_, stillRunning := s.Runtime(p3.ID)
	require.True(t, stillRunning)
}

// TestStopRemovesQueuedSlotWithoutAdmitting covers the "stop a merely
// queued project" path: it must leave the queue without ever spawning a
// child.
func TestStopRemovesQueuedSlotWithoutAdmitting(t *testing.T) {
	assistant := fakeAssistant(t, "cat >/dev/null\n")
	s, projects := newTestSupervisor(t, assistant, 1)

	p1 := registerProject(t, projects)
	p2 := registerProject(t, projects)

	require.NoError(t, s.Start(p1.ID, StartRequest{ProjectPath: p1.AbsolutePath}))
	require.NoError(t, s.Start(p2.ID, StartRequest{ProjectPath: p2.AbsolutePath}))
	require.Equal(t, []string{p2.ID}, s.QueuedProjects())

	require.NoError(t, s.Stop(p2.ID))
	require.Empty(t, s.QueuedProjects())
	_, ok := s.Runtime(p2.ID)
	require.False(t, ok)
}

// TestStartDuplicateSameModeIsNoop: starting an already-running project
// in the same mode must not spawn a second child or requeue it.
func TestStartDuplicateSameModeIsNoop(t *testing.T) {
	assistant := fakeAssistant(t, "cat >/dev/null\n")
	s, projects := newTestSupervisor(t, assistant, 2)
	p1 := registerProject(t, projects)

	req := StartRequest{ProjectPath: p1.AbsolutePath, Mode: domain.AgentInteractive, PermissionMode: domain.PermissionAcceptEdits}
	require.NoError(t, s.Start(p1.ID, req))
	require.NoError(t, s.Start(p1.ID, req))

	require.Equal(t, 1, s.RunningCount())
}

// A child that exits on its own (not via Cancel) while a reply is still
// owed is reported as a crash with pending intent; Supervisor creates a
// fresh conversation and publishes session_recovery.
func TestCrashTriggersSessionRecovery(t *testing.T) {
	// Accepts the initial turn, then dies with the reply still owed.
	assistant := fakeAssistant(t, "read line\nexit 1\n")
	s, projects := newTestSupervisor(t, assistant, 1)

	var recovered domain.SessionRecoveryPayload
	done := make(chan struct{})
	unsub := s.bus.Subscribe(func(ev domain.Event) {
		if ev.Kind == domain.EventSessionRecovery {
			recovered = ev.Payload.(domain.SessionRecoveryPayload)
			close(done)
		}
	})
	defer unsub()

	p1 := registerProject(t, projects)
	require.NoError(t, s.Start(p1.ID, StartRequest{ProjectPath: p1.AbsolutePath, InitialPrompt: "hello"}))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for session_recovery event")
	}
	require.NotEmpty(t, recovered.NewConversationID)
}

func TestShutdownCancelsRunningAgents(t *testing.T) {
	assistant := fakeAssistant(t, "cat >/dev/null\n")
	s, projects := newTestSupervisor(t, assistant, 2)
	p1 := registerProject(t, projects)

	require.NoError(t, s.Start(p1.ID, StartRequest{ProjectPath: p1.AbsolutePath}))
	require.Equal(t, 1, s.RunningCount())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
