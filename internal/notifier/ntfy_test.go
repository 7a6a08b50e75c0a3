package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu       sync.Mutex
	payloads []map[string]any
	status   int
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	var p map[string]any
	json.NewDecoder(r.Body).Decode(&p)
	c.mu.Lock()
	c.payloads = append(c.payloads, p)
	c.mu.Unlock()
	if c.status != 0 {
		w.WriteHeader(c.status)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func TestSend(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	n := New(Config{URL: srv.URL + "/", Topic: "funnel-alerts", Service: "funnel-server"}, nil)
	require.True(t, n.Enabled())

	require.NoError(t, n.Send(context.Background(), "Title", "Body", NotificationError))
	require.Equal(t, 1, c.count())

	p := c.payloads[0]
	assert.Equal(t, "funnel-alerts", p["topic"])
	assert.Equal(t, "Title", p["title"])
	assert.Equal(t, "Body", p["message"])
	assert.EqualValues(t, 4, p["priority"])
	assert.ElementsMatch(t, []any{"funnel-server", "error"}, p["tags"])
}

func TestSendThrottles(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	n := New(Config{URL: srv.URL, Topic: "t", Service: "s"}, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, n.Send(ctx, "a", "a", NotificationPanic))
	require.NoError(t, n.Send(ctx, "b", "b", NotificationPanic))
	require.NoError(t, n.Send(ctx, "c", "c", NotificationStartup))
	assert.Equal(t, 2, c.count())

	now = now.Add(DefaultMinInterval + time.Second)
	require.NoError(t, n.Send(ctx, "d", "d", NotificationPanic))
	assert.Equal(t, 3, c.count())
}

func TestSendErrors(t *testing.T) {
	c := &capture{status: http.StatusForbidden}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	n := New(Config{URL: srv.URL, Topic: "t", Service: "s"}, nil)
	err := n.Send(context.Background(), "x", "y", NotificationError)
	assert.ErrorContains(t, err, "403")
}

func TestDisabledAndDryRun(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	var nilNotifier *Notifier
	assert.False(t, nilNotifier.Enabled())
	assert.NoError(t, nilNotifier.Send(context.Background(), "x", "y", NotificationError))

	disabled := New(Config{URL: srv.URL}, nil)
	assert.NoError(t, disabled.Send(context.Background(), "x", "y", NotificationError))

	dry := New(Config{URL: srv.URL, Topic: "t", DryRun: true}, nil)
	assert.NoError(t, dry.Send(context.Background(), "x", "y", NotificationError))

	assert.Zero(t, c.count())
}

func TestNotifyPanic(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	n := New(Config{URL: srv.URL, Topic: "t", Service: "funnel-server"}, nil)
	n.NotifyPanic(httptest.NewRequest("GET", "/up3", nil), "nil map")

	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "GET /up3: nil map", c.payloads[0]["message"])
	assert.Equal(t, "Panic in funnel-server", c.payloads[0]["title"])
}
