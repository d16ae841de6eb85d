package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fyrsmithlabs/visiond/internal/http"
	"github.com/fyrsmithlabs/visiond/internal/logging"
	"github.com/fyrsmithlabs/visiond/internal/pipeline"
	"github.com/fyrsmithlabs/visiond/internal/registry"
	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

var fakeImage = []byte("\x89PNG\r\n\x1a\nfake")

// fakeService completes every submission immediately.
type fakeService struct {
	reg *registry.Registry

	mu        sync.Mutex
	next      int
	submitted []pipeline.Request
	ratings   map[string]float64
	approvals map[string]bool
}

func newFakeService() *fakeService {
	return &fakeService{
		reg:       registry.New(nil),
		ratings:   make(map[string]float64),
		approvals: make(map[string]bool),
	}
}

func (f *fakeService) Submit(ctx context.Context, req pipeline.Request) (string, error) {
	f.mu.Lock()
	f.next++
	id := fmt.Sprintf("task-%d", f.next)
	f.submitted = append(f.submitted, req)
	f.mu.Unlock()

	if err := f.reg.Create(workflow.Snapshot{TaskID: id, Status: workflow.StatusPending, MaxIterations: 3}); err != nil {
		return "", err
	}
	score := 0.9
	f.reg.Publish(ctx, workflow.Snapshot{
		TaskID:          id,
		Status:          workflow.StatusCompleted,
		Progress:        100,
		Artifact:        fakeImage,
		OptimizedPrompt: req.Prompt + ", highly detailed",
		QualityScore:    &score,
		IterationCount:  1,
		MaxIterations:   3,
	})
	return id, nil
}

func (f *fakeService) GetSnapshot(taskID string) (workflow.Snapshot, error) {
	return f.reg.Get(taskID)
}

func (f *fakeService) Watch(ctx context.Context, taskID string) (<-chan workflow.Snapshot, error) {
	return f.reg.Watch(ctx, taskID)
}

func (f *fakeService) SubmitFeedback(_ context.Context, taskID string, rating float64, _ string) error {
	if rating < 0 || rating > 1 {
		return fmt.Errorf("%w: rating must be between 0 and 1", pipeline.ErrInvalidRequest)
	}
	if _, err := f.reg.Get(taskID); err != nil {
		return err
	}
	f.mu.Lock()
	f.ratings[taskID] = rating
	f.mu.Unlock()
	return nil
}

func (f *fakeService) Cancel(taskID string) error {
	snap, err := f.reg.Get(taskID)
	if err != nil {
		return err
	}
	if snap.Status.Terminal() {
		return fmt.Errorf("%w: %s", pipeline.ErrNotRunning, taskID)
	}
	return nil
}

func (f *fakeService) Approve(taskID string, approved bool) error {
	f.mu.Lock()
	f.approvals[taskID] = approved
	f.mu.Unlock()
	return nil
}

func (f *fakeService) requests() []pipeline.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Request(nil), f.submitted...)
}

func (f *fakeService) rating(taskID string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ratings[taskID]
}

func (f *fakeService) approvalsCopy() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.approvals))
	for k, v := range f.approvals {
		out[k] = v
	}
	return out
}

func (f *fakeService) DeleteTask(taskID string) error { return f.reg.Delete(taskID) }
func (f *fakeService) Count() int                     { return f.reg.Count() }
func (f *fakeService) ActiveCount() int               { return f.reg.ActiveCount() }

func setupTestServer(t *testing.T) (string, *fakeService) {
	t.Helper()
	svc := newFakeService()
	server, err := httpserver.NewServer(svc, logging.NewNop(), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, svc
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestGenerateCmd(t *testing.T) {
	t.Run("submits and prints task id", func(t *testing.T) {
		url, svc := setupTestServer(t)

		out, err := execute(t, "--server", url, "generate", "a", "quiet", "harbor", "--max-iterations", "2")
		require.NoError(t, err)
		assert.Contains(t, out, "Task ID: task-1")
		assert.Contains(t, out, "/api/v1/status/task-1")

		reqs := svc.requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, "a quiet harbor", reqs[0].Prompt)
		assert.Equal(t, 2, reqs[0].MaxIterations)
		assert.True(t, reqs[0].Monitoring)
	})

	t.Run("sends reference image and monitoring flag", func(t *testing.T) {
		url, svc := setupTestServer(t)
		ref := filepath.Join(t.TempDir(), "sketch.png")
		require.NoError(t, os.WriteFile(ref, []byte("sketch"), 0o600))

		_, err := execute(t, "--server", url, "generate", "--reference-image", ref, "--no-monitoring", "a harbor")
		require.NoError(t, err)

		reqs := svc.requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, []byte("sketch"), reqs[0].ReferenceImage)
		assert.False(t, reqs[0].Monitoring)
	})

	t.Run("waits and saves the image", func(t *testing.T) {
		url, _ := setupTestServer(t)
		dest := filepath.Join(t.TempDir(), "out.png")

		out, err := execute(t, "--server", url, "generate", "--wait", "--poll-interval", "10ms", "-o", dest, "a harbor")
		require.NoError(t, err)
		assert.Contains(t, out, "[100%] completed")
		assert.Contains(t, out, "Score:      0.90")
		assert.Contains(t, out, "Saved image to "+dest)

		data, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, fakeImage, data)
	})

	t.Run("missing reference file", func(t *testing.T) {
		url, _ := setupTestServer(t)
		_, err := execute(t, "--server", url, "generate", "--reference-image", "/nonexistent.png", "a harbor")
		assert.ErrorContains(t, err, "failed to read reference image")
	})

	t.Run("requires a prompt", func(t *testing.T) {
		_, err := execute(t, "generate")
		assert.Error(t, err)
	})
}

func TestStatusCmd(t *testing.T) {
	url, _ := setupTestServer(t)
	_, err := execute(t, "--server", url, "generate", "a harbor")
	require.NoError(t, err)

	t.Run("prints summary", func(t *testing.T) {
		out, err := execute(t, "--server", url, "status", "task-1")
		require.NoError(t, err)
		assert.Contains(t, out, "Status:     completed")
		assert.Contains(t, out, "Iterations: 1/3")
		assert.Contains(t, out, "Prompt:     a harbor, highly detailed")
		assert.Contains(t, out, "image/png")
	})

	t.Run("prints json", func(t *testing.T) {
		out, err := execute(t, "--server", url, "status", "--json", "task-1")
		require.NoError(t, err)
		assert.Contains(t, out, `"task_id": "task-1"`)
		assert.Contains(t, out, `"generated_image"`)
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := execute(t, "--server", url, "status", "nope")
		assert.EqualError(t, err, "task nope not found")
	})
}

func TestWatchCmd(t *testing.T) {
	url, _ := setupTestServer(t)
	_, err := execute(t, "--server", url, "generate", "a harbor")
	require.NoError(t, err)

	out, err := execute(t, "--server", url, "watch", "task-1")
	require.NoError(t, err)
	assert.Contains(t, out, "[100%] completed")
	assert.Contains(t, out, "score=0.90")
	assert.Contains(t, out, "Task:       task-1")

	_, err = execute(t, "--server", url, "watch", "missing")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

func TestFeedbackCmd(t *testing.T) {
	url, svc := setupTestServer(t)
	_, err := execute(t, "--server", url, "generate", "a harbor")
	require.NoError(t, err)

	out, err := execute(t, "--server", url, "feedback", "task-1", "0.75", "--comment", "nice")
	require.NoError(t, err)
	assert.Contains(t, out, "Feedback received")
	assert.Equal(t, 0.75, svc.rating("task-1"))

	_, err = execute(t, "--server", url, "feedback", "task-1", "1.5")
	assert.ErrorContains(t, err, "status 400")

	_, err = execute(t, "--server", url, "feedback", "task-1", "great")
	assert.ErrorContains(t, err, "invalid rating")
}

func TestCancelCmd(t *testing.T) {
	url, _ := setupTestServer(t)
	_, err := execute(t, "--server", url, "generate", "a harbor")
	require.NoError(t, err)

	_, err = execute(t, "--server", url, "cancel", "task-1")
	assert.ErrorContains(t, err, "status 409")
	assert.ErrorContains(t, err, "task is not running")

	_, err = execute(t, "--server", url, "cancel", "missing")
	assert.ErrorContains(t, err, "Task not found")
}

func TestApproveCmd(t *testing.T) {
	url, svc := setupTestServer(t)

	out, err := execute(t, "--server", url, "approve", "task-9")
	require.NoError(t, err)
	assert.Contains(t, out, "Prompt approved")

	out, err = execute(t, "--server", url, "reject", "task-10")
	require.NoError(t, err)
	assert.Contains(t, out, "Prompt rejected")

	assert.Equal(t, map[string]bool{"task-9": true, "task-10": false}, svc.approvalsCopy())
}

func TestDeleteCmd(t *testing.T) {
	url, svc := setupTestServer(t)
	_, err := execute(t, "--server", url, "generate", "a harbor")
	require.NoError(t, err)

	out, err := execute(t, "--server", url, "delete", "task-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Task deleted successfully")
	assert.Equal(t, 0, svc.Count())

	_, err = execute(t, "--server", url, "delete", "task-1")
	assert.ErrorContains(t, err, "status 404")
}

func TestHealthCmd(t *testing.T) {
	url, _ := setupTestServer(t)
	_, err := execute(t, "--server", url, "generate", "a harbor")
	require.NoError(t, err)

	out, err := execute(t, "--server", url, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: healthy")
	assert.Contains(t, out, "Tasks: 1 (0 active)")

	_, err = execute(t, "--server", "http://127.0.0.1:1", "health")
	assert.ErrorContains(t, err, "failed to send request")
}

func TestMonitorCmd_RejectsInterval(t *testing.T) {
	_, err := execute(t, "monitor", "--interval", "0s")
	assert.ErrorContains(t, err, "interval must be positive")
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"http://localhost:8000", "ws://localhost:8000/api/v1/tasks/t1/stream", false},
		{"https://vision.example.com/", "wss://vision.example.com/api/v1/tasks/t1/stream", false},
		{"http://proxy/visiond", "ws://proxy/visiond/api/v1/tasks/t1/stream", false},
		{"ftp://host", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := streamURL(tt.base, "t1")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "Task not found", errorMessage([]byte(`{"message":"Task not found"}`)))
	assert.Equal(t, "bad gateway", errorMessage([]byte("bad gateway\n")))
}
