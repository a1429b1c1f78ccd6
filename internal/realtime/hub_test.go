package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/vaultbet/internal/events"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h, cancel
}

func fakeClient(h *Hub, player string, buf int) *Client {
	c := &Client{hub: h, player: player, send: make(chan []byte, buf)}
	h.register <- c
	return c
}

func recv(t *testing.T, c *Client) events.Event {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var ev events.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return events.Event{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected frame %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscription_Wants(t *testing.T) {
	assert.True(t, Subscription{}.wants(events.WagerSettled))
	sub := Subscription{Types: []events.Type{events.BalanceChanged}}
	assert.True(t, sub.wants(events.BalanceChanged))
	assert.False(t, sub.wants(events.WagerSettled))
}

func TestHub_DeliversOnlyToAddressedPlayer(t *testing.T) {
	h, _ := runHub(t)
	alice := fakeClient(h, "alice", 4)
	alice2 := fakeClient(h, "alice", 4)
	bob := fakeClient(h, "bob", 4)

	require.NoError(t, h.Publish(context.Background(), events.New(events.BalanceChanged, "alice", map[string]any{"currency": "CRT"})))

	for _, c := range []*Client{alice, alice2} {
		ev := recv(t, c)
		assert.Equal(t, events.BalanceChanged, ev.Type)
		assert.Equal(t, "alice", ev.Player)
	}
	assertSilent(t, bob)

	st := h.Stats()
	assert.Equal(t, 3, st.Clients)
	assert.Equal(t, 2, st.Players)
	assert.EqualValues(t, 2, st.Delivered)
}

func TestHub_SubscriptionFilters(t *testing.T) {
	h, _ := runHub(t)
	c := fakeClient(h, "alice", 4)
	c.mu.Lock()
	c.sub = Subscription{Types: []events.Type{events.WagerSettled}}
	c.mu.Unlock()

	require.NoError(t, h.Publish(context.Background(), events.New(events.BalanceChanged, "alice", nil)))
	require.NoError(t, h.Publish(context.Background(), events.New(events.WagerSettled, "alice", nil)))

	ev := recv(t, c)
	assert.Equal(t, events.WagerSettled, ev.Type)
	assertSilent(t, c)
}

func TestHub_IgnoresUnaddressedEvents(t *testing.T) {
	h, _ := runHub(t)
	c := fakeClient(h, "alice", 4)
	require.NoError(t, h.Publish(context.Background(), events.New(events.BalanceChanged, "", nil)))
	assertSilent(t, c)
}

func TestHub_DropsSlowClient(t *testing.T) {
	h, _ := runHub(t)
	slow := fakeClient(h, "alice", 0)

	require.NoError(t, h.Publish(context.Background(), events.New(events.BalanceChanged, "alice", nil)))

	require.Eventually(t, func() bool { return h.Stats().Clients == 0 }, 2*time.Second, 5*time.Millisecond)
	_, ok := <-slow.send
	assert.False(t, ok, "slow client's channel should be closed")
}

func TestHub_Unregister(t *testing.T) {
	h, _ := runHub(t)
	c := fakeClient(h, "alice", 1)
	h.unregister <- c
	require.Eventually(t, func() bool { return h.clientsFor("alice") == 0 }, 2*time.Second, 5*time.Millisecond)

	// A second unregister is a no-op.
	h.unregister <- c
	assert.Equal(t, 0, h.Stats().Clients)
}

func TestHub_BacklogFull(t *testing.T) {
	h := NewHub(slog.Default()) // not running: nothing drains the backlog
	for range cap(h.broadcast) {
		require.NoError(t, h.Publish(context.Background(), events.New(events.BalanceChanged, "alice", nil)))
	}
	assert.ErrorIs(t, h.Publish(context.Background(), events.New(events.BalanceChanged, "alice", nil)), ErrBacklog)
	assert.EqualValues(t, 1, h.Stats().Dropped)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	h, cancel := runHub(t)
	c := fakeClient(h, "alice", 1)

	cancel()
	<-h.done

	_, ok := <-c.send
	assert.False(t, ok)
	assert.ErrorIs(t, h.Publish(context.Background(), events.New(events.BalanceChanged, "alice", nil)), ErrClosed)
	assert.Equal(t, 0, h.Stats().Clients)
}

func TestHub_ServeBalance(t *testing.T) {
	h, _ := runHub(t)
	r := gin.New()
	r.GET("/ws/balance/:player", h.ServeBalance)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/balance/alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.clientsFor("alice") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.Publish(context.Background(), events.New(events.WagerSettled, "alice", map[string]any{"wagerId": "wgr_1"})))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.WagerSettled, ev.Type)
	assert.Equal(t, "alice", ev.Player)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.clientsFor("alice") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_ServeBalanceAfterShutdown(t *testing.T) {
	h, cancel := runHub(t)
	cancel()
	<-h.done

	r := gin.New()
	r.GET("/ws/balance/:player", h.ServeBalance)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ws/balance/alice", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, 503, w.Code)
}
