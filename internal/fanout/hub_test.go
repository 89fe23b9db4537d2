package fanout

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRingBufferKeepsLastN(t *testing.T) {
	buf := newRingBuffer(3)
	for seq := uint64(1); seq <= 5; seq++ {
		buf.add(Message{Topic: "t", Seq: seq})
	}

	msgs := buf.getSince(0)
	require.Len(t, msgs, 3)
	assert.Equal(t, uint64(3), msgs[0].Seq)
	assert.Equal(t, uint64(5), msgs[2].Seq)
}

func TestRingBufferSinceFilter(t *testing.T) {
	buf := newRingBuffer(10)
	for seq := uint64(1); seq <= 6; seq++ {
		buf.add(Message{Topic: "t", Seq: seq})
	}

	msgs := buf.getSince(4)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(5), msgs[0].Seq)
	assert.Equal(t, uint64(6), msgs[1].Seq)

	assert.Empty(t, buf.getSince(6))
}

func TestBroadcastIsReplayableInOrder(t *testing.T) {
	h := NewHub(4, 8, zap.NewNop())

	for i := 0; i < 5; i++ {
		h.Broadcast("lot:abc", []byte(fmt.Sprintf("m%d", i)))
	}

	require.Eventually(t, func() bool {
		return len(h.Replay("lot:abc", 0)) == 5
	}, time.Second, 5*time.Millisecond)

	msgs := h.Replay("lot:abc", 0)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].Seq, msgs[i-1].Seq)
	}
	assert.Equal(t, []byte("m0"), msgs[0].Data)
	assert.Equal(t, []byte("m4"), msgs[4].Data)

	assert.Empty(t, h.Replay("lot:other", 0))
}

func TestSubscribedClientReceivesBroadcasts(t *testing.T) {
	h := NewHub(2, 8, zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "client-1")
	}))
	defer srv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// A broadcast from before the subscription arrives through replay.
	h.Broadcast("lot:test", []byte("first"))
	require.Eventually(t, func() bool {
		return len(h.Replay("lot:test", 0)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string][]string{"subscribe": {"lot:test"}}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)

	// Broadcasts race against subscription changes made by the client's read
	// goroutine; both sides must stay consistent.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			h.Broadcast("lot:test", []byte("live"))
		}
	}()
	for i := 0; i < 20; i++ {
		topic := fmt.Sprintf("lot:extra-%d", i)
		require.NoError(t, conn.WriteJSON(map[string][]string{"subscribe": {topic}}))
		require.NoError(t, conn.WriteJSON(map[string][]string{"unsubscribe": {topic}}))
	}
	<-done

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("live"), data)
}

func TestPublishLotEventRoutesByLotTopic(t *testing.T) {
	h := NewHub(4, 8, zap.NewNop())

	lotID := uuid.New()
	teamID := uuid.New()
	amount := decimal.NewFromInt(130)
	h.PublishLotEvent(Event{
		Type:   EventBidAccepted,
		LotID:  lotID,
		TeamID: &teamID,
		Amount: &amount,
	})

	topic := LotTopic(lotID)
	require.Eventually(t, func() bool {
		return len(h.Replay(topic, 0)) == 1
	}, time.Second, 5*time.Millisecond)

	var got Event
	require.NoError(t, json.Unmarshal(h.Replay(topic, 0)[0].Data, &got))
	assert.Equal(t, EventBidAccepted, got.Type)
	assert.Equal(t, lotID, got.LotID)
	require.NotNil(t, got.Amount)
	assert.True(t, got.Amount.Equal(amount))
}
