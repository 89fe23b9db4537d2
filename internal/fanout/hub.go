package fanout

import (
	"encoding/json"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openlot/auctiond/pkg/metrics"
)

// Message wraps a broadcast payload with sequencing for replay.
type Message struct {
	Topic string `json:"topic"`
	Seq   uint64 `json:"seq"`
	Data  []byte `json:"data"`
}

// ringBuffer holds the last N messages for a topic so a subscriber joining
// mid-lot can catch up on recent outcomes.
type ringBuffer struct {
	mu    sync.RWMutex
	buf   []Message
	size  int
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]Message, size), size: size}
}

func (r *ringBuffer) add(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.count) % r.size
	if r.count == r.size {
		r.start = (r.start + 1) % r.size
		r.count--
	}
	r.buf[idx] = msg
	r.count++
}

func (r *ringBuffer) getSince(since uint64) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Message
	for i := 0; i < r.count; i++ {
		msg := r.buf[(r.start+i)%r.size]
		if msg.Seq > since {
			out = append(out, msg)
		}
	}
	return out
}

// Client is a single subscriber connection. subscriptions is written by the
// client's read goroutine and read by the hub's broadcast loop, so access
// goes through the mutex.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	hub  *Hub

	subMu         sync.Mutex
	subscriptions map[string]struct{}
}

func (c *Client) subscribe(topic string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscriptions[topic] = struct{}{}
}

func (c *Client) unsubscribe(topic string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subscriptions, topic)
}

func (c *Client) subscribed(topic string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	_, ok := c.subscriptions[topic]
	return ok
}

// Hub manages subscriber connections, sharded for concurrency. It implements
// Publisher; settlement hands it events and never waits on delivery.
type Hub struct {
	shards     []*hubShard
	shardCount uint32

	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	buffers map[string]*ringBuffer
	bufMu   sync.Mutex
	seqMu   sync.Mutex
	nextSeq uint64

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

type hubShard struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a running hub with the given shard count and per-topic
// replay buffer size.
func NewHub(shardCount, replaySize int, logger *zap.Logger) *Hub {
	h := &Hub{
		shards:     make([]*hubShard, shardCount),
		shardCount: uint32(shardCount),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Message, 1024),
		buffers:    make(map[string]*ringBuffer),
		nextSeq:    1,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
	for i := range h.shards {
		h.shards[i] = &hubShard{clients: make(map[*Client]struct{})}
	}
	go h.run(replaySize)
	return h
}

func (h *Hub) run(replaySize int) {
	for {
		select {
		case client := <-h.register:
			sh := h.shardFor(client.id)
			sh.mu.Lock()
			sh.clients[client] = struct{}{}
			sh.mu.Unlock()
			metrics.FanoutSubscribers.Inc()
		case client := <-h.unregister:
			sh := h.shardFor(client.id)
			sh.mu.Lock()
			if _, ok := sh.clients[client]; ok {
				delete(sh.clients, client)
				close(client.send)
				metrics.FanoutSubscribers.Dec()
			}
			sh.mu.Unlock()
		case msg := <-h.broadcast:
			h.bufMu.Lock()
			buf, ok := h.buffers[msg.Topic]
			if !ok {
				buf = newRingBuffer(replaySize)
				h.buffers[msg.Topic] = buf
			}
			buf.add(msg)
			h.bufMu.Unlock()
			for _, sh := range h.shards {
				sh.mu.RLock()
				for c := range sh.clients {
					if c.subscribed(msg.Topic) {
						select {
						case c.send <- msg:
						default:
							// drop slow client
						}
					}
				}
				sh.mu.RUnlock()
			}
		}
	}
}

func (h *Hub) shardFor(key string) *hubShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return h.shards[hasher.Sum32()%h.shardCount]
}

// PublishLotEvent broadcasts an event to the lot's subscribers.
func (h *Hub) PublishLotEvent(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal lot event",
			zap.Error(err),
			zap.String("type", ev.Type),
			zap.String("lot_id", ev.LotID.String()))
		return
	}
	h.Broadcast(LotTopic(ev.LotID), data)
}

// Broadcast publishes raw data to a topic for all subscribed clients.
func (h *Hub) Broadcast(topic string, data []byte) {
	h.seqMu.Lock()
	seq := h.nextSeq
	h.nextSeq++
	h.seqMu.Unlock()
	h.broadcast <- Message{Topic: topic, Seq: seq, Data: data}
}

// Replay returns buffered messages for a topic since the given sequence.
func (h *Hub) Replay(topic string, since uint64) []Message {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	if buf, ok := h.buffers[topic]; ok {
		return buf.getSince(since)
	}
	return nil
}

// ServeWS upgrades HTTP to a websocket connection registered under clientID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, clientID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Client{
		id:            clientID,
		conn:          conn,
		send:          make(chan Message, 256),
		subscriptions: make(map[string]struct{}),
		hub:           h,
	}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

// readPump handles control frames and subscription requests of the form
// {"subscribe":["lot:<id>"]} / {"unsubscribe":[...]}.
func (c *Client) readPump() {
	defer func() { c.hub.unregister <- c; c.conn.Close() }()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var req map[string][]string
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		for _, topic := range req["subscribe"] {
			c.subscribe(topic)
			for _, m := range c.hub.Replay(topic, 0) {
				select {
				case c.send <- m:
				default:
				}
			}
		}
		for _, topic := range req["unsubscribe"] {
			c.unsubscribe(topic)
		}
	}
}

// writePump sends messages and heartbeats to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() { ticker.Stop(); c.conn.Close() }()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
