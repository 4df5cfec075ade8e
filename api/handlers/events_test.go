package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/stateflow/events"
	"github.com/BaSui01/stateflow/types"
)

// =============================================================================
// 🧪 EventsHandler 测试
// =============================================================================

func newEventsFixture(t *testing.T) (*events.Bus, *httptest.Server) {
	t.Helper()

	bus, err := events.NewBus(events.Config{BufferSize: 64}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	h := NewEventsHandler(bus, nil, zaptest.NewLogger(t))
	srv := httptest.NewServer(http.HandlerFunc(h.HandleStream))
	t.Cleanup(srv.Close)

	return bus, srv
}

func dialEvents(t *testing.T, ctx context.Context, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

func TestEventsHandler_StreamDelivers(t *testing.T) {
	bus, srv := newEventsFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialEvents(t, ctx, srv, "")
	defer conn.Close(websocket.StatusNormalClosure, "")

	got := make(chan events.Event, 1)
	go func() {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var evt events.Event
		if json.Unmarshal(data, &evt) == nil {
			got <- evt
		}
	}()

	// 订阅在握手完成后才注册，反复发布直到第一帧到达
	var received events.Event
	require.Eventually(t, func() bool {
		bus.Publish(events.Event{
			Type:      events.EventRunStarted,
			Workflow:  "digest",
			RunID:     "r-1",
			Timestamp: time.Now(),
			Payload:   map[string]any{"max_turns": 4},
		})
		select {
		case received = <-got:
			return true
		default:
			return false
		}
	}, 5*time.Second, 25*time.Millisecond)

	assert.Equal(t, events.EventRunStarted, received.Type)
	assert.Equal(t, "digest", received.Workflow)
	assert.Equal(t, "r-1", received.RunID)
	assert.False(t, received.Timestamp.IsZero())
}

func TestEventsHandler_WorkflowFilter(t *testing.T) {
	bus, srv := newEventsFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialEvents(t, ctx, srv, "?workflow=digest")
	defer conn.Close(websocket.StatusNormalClosure, "")

	stop := make(chan struct{})
	var publishers sync.WaitGroup
	publishers.Add(1)
	go func() {
		defer publishers.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Publish(events.Event{Type: events.EventTurnCompleted, Workflow: "noise", Timestamp: time.Now()})
				bus.Publish(events.Event{Type: events.EventTurnCompleted, Workflow: "digest", Timestamp: time.Now()})
			}
		}
	}()

	// 只有过滤目标的事件应该到达
	for i := 0; i < 3; i++ {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)

		var evt events.Event
		require.NoError(t, json.Unmarshal(data, &evt))
		assert.Equal(t, "digest", evt.Workflow)
	}

	close(stop)
	publishers.Wait()
}

func TestEventsHandler_TypeFilter(t *testing.T) {
	bus, srv := newEventsFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialEvents(t, ctx, srv, "?type=run_finished")
	defer conn.Close(websocket.StatusNormalClosure, "")

	stop := make(chan struct{})
	var publishers sync.WaitGroup
	publishers.Add(1)
	go func() {
		defer publishers.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Publish(events.Event{Type: events.EventRunStarted, Workflow: "digest", Timestamp: time.Now()})
				bus.Publish(events.Event{Type: events.EventRunFinished, Workflow: "digest", Timestamp: time.Now()})
			}
		}
	}()

	for i := 0; i < 3; i++ {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)

		var evt events.Event
		require.NoError(t, json.Unmarshal(data, &evt))
		assert.Equal(t, events.EventRunFinished, evt.Type)
	}

	close(stop)
	publishers.Wait()
}

func TestEventsHandler_BusDisabled(t *testing.T) {
	h := NewEventsHandler(nil, nil, zaptest.NewLogger(t))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)

	h.HandleStream(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrNotFound), resp.Error.Code)
}
