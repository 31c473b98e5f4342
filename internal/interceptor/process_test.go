package interceptor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tether/internal/event"
)

func TestProcess_StreamsOutputAndStops(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p, err := Start(ProcessOptions{
		SessionID: "s1",
		Command:   "sh",
		Args:      []string{"-c", "echo hello; echo '🔧 Read'; echo '[Result] done'; exit 3"},
		Metadata:  map[string]string{"agent": "test"},
	}, sink)
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 3, p.ExitCode())

	got := sink.all()
	require.Len(t, got, 5)

	start, ok := got[0].(event.SessionStart)
	require.True(t, ok)
	assert.Equal(t, "test", start.Metadata["agent"])
	assert.Equal(t, "sh", start.Metadata["command"])
	assert.NotEmpty(t, start.Metadata["pid"])

	assert.Equal(t, event.Text{Text: "hello"}, got[1])
	assert.IsType(t, event.ToolCallStart{}, got[2])
	end, ok := got[3].(event.ToolCallEnd)
	require.True(t, ok)
	assert.Equal(t, "done", end.Result)
	assert.Equal(t, event.SessionStop{Reason: "exited with code 3"}, got[4])

	require.NoError(t, p.Stop(t.Context()))
}

func TestProcess_StopTerminatesAgent(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p, err := Start(ProcessOptions{
		SessionID: "s1",
		Command:   "sh",
		Args:      []string{"-c", "echo ready; sleep 30"},
	}, sink)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.all()) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	<-p.Done()
	got := sink.all()
	assert.IsType(t, event.SessionStop{}, got[len(got)-1])
}

func TestProcess_SpawnFailureEmitsError(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	_, err := Start(ProcessOptions{SessionID: "s1", Command: "/nonexistent/agent"}, sink)
	require.Error(t, err)

	got := sink.all()
	require.Len(t, got, 1)
	status, ok := got[0].(event.Status)
	require.True(t, ok)
	assert.Equal(t, event.StateError, status.State)
}
