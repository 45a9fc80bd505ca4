package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailforge/backend/internal/domain"
)

func newTestServer(t *testing.T, hub *Hub, jobs map[string]*domain.BatchJob) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/jobs/:id/stream", HandleJobStream(hub, func(id string) (*domain.BatchJob, error) {
		if job, ok := jobs[id]; ok {
			return job.Snapshot(), nil
		}
		return nil, errors.New("not found")
	}))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHubStreamsProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil, nil)
	go hub.Run(ctx)

	job := &domain.BatchJob{ID: "job-1", Requested: 2, StartedAt: time.Now()}
	url := newTestServer(t, hub, map[string]*domain.BatchJob{"job-1": job})

	conn, _, err := websocket.DefaultDialer.Dial(url+"/jobs/job-1/stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readMessage(t, conn)
	assert.Equal(t, MessageTypeSnapshot, first.Type)
	assert.Equal(t, "job-1", first.JobID)

	require.Eventually(t, func() bool { return hub.Subscribers("job-1") == 1 }, time.Second, 10*time.Millisecond)

	hub.PublishProgress(domain.BatchProgress{JobID: "job-1", Completed: 1, Total: 2, Message: "a@example.com"})
	hub.PublishProgress(domain.BatchProgress{JobID: "other", Completed: 1, Total: 1})

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeProgress, msg.Type)
	var progress domain.BatchProgress
	require.NoError(t, json.Unmarshal(msg.Data, &progress))
	assert.Equal(t, 1, progress.Completed)
	assert.Equal(t, 2, progress.Total)

	done := job.Snapshot()
	done.Finished = true
	hub.PublishFinished(done)

	msg = readMessage(t, conn)
	assert.Equal(t, MessageTypeFinished, msg.Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "stream closes after finished: %v", err)
	assert.Eventually(t, func() bool { return hub.Subscribers("job-1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestHubFinishedJobClosesImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub([]string{"https://ui.test"}, nil)
	go hub.Run(ctx)

	job := &domain.BatchJob{ID: "job-2", Requested: 1, Finished: true}
	url := newTestServer(t, hub, map[string]*domain.BatchJob{"job-2": job})

	conn, _, err := websocket.DefaultDialer.Dial(url+"/jobs/job-2/stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeFinished, msg.Type)
	assert.Zero(t, hub.Subscribers("job-2"))
}

func TestHubUnknownJob(t *testing.T) {
	hub := NewHub(nil, nil)
	url := newTestServer(t, hub, nil)

	_, resp, err := websocket.DefaultDialer.Dial(url+"/jobs/missing/stream", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub([]string{"https://ui.test"}, nil)
	go hub.Run(ctx)

	job := &domain.BatchJob{ID: "job-3", Requested: 1}
	url := newTestServer(t, hub, map[string]*domain.BatchJob{"job-3": job})

	header := http.Header{"Origin": []string{"https://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(url+"/jobs/job-3/stream", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPublishNeverBlocks(t *testing.T) {
	hub := NewHub(nil, nil)
	// Run 未启动，队列填满后继续发布也必须立即返回
	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer*2; i++ {
			hub.PublishProgress(domain.BatchProgress{JobID: "x", Completed: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
}
