package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, typ EventType, payload any) Event {
	t.Helper()
	ev, err := NewEvent(typ, time.Now().UTC(), payload)
	require.NoError(t, err)
	return ev
}

func TestHub_DeliversToEverySubscriber(t *testing.T) {
	hub := NewHub(4)
	a, b := hub.Subscribe(), hub.Subscribe()
	assert.Equal(t, 2, hub.Len())

	hub.Publish(context.Background(), mustEvent(t, EventTick, TickPayload{}))

	for _, s := range []*Subscriber{a, b} {
		select {
		case ev := <-s.C():
			assert.Equal(t, EventTick, ev.Type)
		default:
			t.Fatal("event not delivered")
		}
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(1)
	slow := hub.Subscribe()
	fast := hub.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish(context.Background(), mustEvent(t, EventTick, TickPayload{}))
			<-fast.C()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, slow.C(), 1)
}

func TestHub_Filter(t *testing.T) {
	hub := NewHub(4)
	sub := hub.Subscribe()
	sub.Filter(EventInstanceSettled)

	hub.Publish(context.Background(), mustEvent(t, EventTick, TickPayload{}))
	hub.Publish(context.Background(), mustEvent(t, EventInstanceSettled, SettledPayload{Book: domain.BookReal}))

	require.Len(t, sub.C(), 1)
	ev := <-sub.C()
	assert.Equal(t, EventInstanceSettled, ev.Type)
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(1)
	sub := hub.Subscribe()
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Len())
}

func TestServeWS_StreamsEvents(t *testing.T) {
	hub := NewHub(8)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?types=poolsUpdated"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 10*time.Millisecond)

	id := uuid.New()
	hub.Publish(context.Background(), mustEvent(t, EventTick, TickPayload{}))
	hub.Publish(context.Background(), mustEvent(t, EventPoolsUpdated, PoolsPayload{
		Book:       domain.BookReal,
		InstanceID: id,
		Duration:   "20m",
		Pools:      models.PoolTotals{domain.SelectionBuy: 100},
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventPoolsUpdated, ev.Type)

	var payload PoolsPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, id, payload.InstanceID)
	assert.Equal(t, int64(100), payload.Pools[domain.SelectionBuy])
}
