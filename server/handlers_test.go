package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type stubPendingCounter struct {
	pending int64
	err     error
}

func (s *stubPendingCounter) Pending(ctx context.Context) (int64, error) {
	return s.pending, s.err
}

type stubDroppedCounter struct {
	dropped int64
}

func (s *stubDroppedCounter) Dropped() int64 { return s.dropped }

func queueStatsResponse(t *testing.T, queue pendingCounter, events droppedCounter, highwater int64) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/stats/queue", nil)

	queueStatsHandler(queue, events, highwater)(c)

	var body map[string]any
	if w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("could not decode response: %s", err)
		}
	}
	return w, body
}

func TestQueueStats_ReportsDepthAndDropped(t *testing.T) {
	a := assert.New(t)

	w, body := queueStatsResponse(t, &stubPendingCounter{pending: 12}, &stubDroppedCounter{dropped: 3}, 256)

	a.Equal(http.StatusOK, w.Code)
	a.Equal(12.0, body["pending_missions"])
	a.Equal(3.0, body["dropped_events"])
	a.Equal(false, body["backpressured"])
}

func TestQueueStats_FlagsBackpressure(t *testing.T) {
	a := assert.New(t)

	_, body := queueStatsResponse(t, &stubPendingCounter{pending: 300}, &stubDroppedCounter{}, 256)

	a.Equal(true, body["backpressured"])
}

func TestQueueStats_ExactHighwaterIsNotBackpressured(t *testing.T) {
	a := assert.New(t)

	_, body := queueStatsResponse(t, &stubPendingCounter{pending: 256}, &stubDroppedCounter{}, 256)

	a.Equal(false, body["backpressured"])
}
