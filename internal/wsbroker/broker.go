// Package wsbroker implements the per-topic fan-out WebSocket broker (§4.7):
// epoch-gated subscriptions, a bounded per-connection outbox with a
// drop-oldest-but-never-meta overflow policy, and stale-epoch/slow-consumer
// close codes.
//
// Grounded on other_examples/45a81151_OcupointInc-QC_Software__server.go.go's
// Client/writePump hub pattern, adapted to gorilla/websocket and to this
// wire protocol's meta_update/data_packet framing.
package wsbroker

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"elata.dev/eegd/internal/metrics"
	"elata.dev/eegd/internal/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
}

// frame is one outbox entry: isMeta marks frames that must never be dropped
// by the overflow policy.
type frame struct {
	data   []byte
	isMeta bool
}

// client is one connected WebSocket subscriber.
type client struct {
	conn *websocket.Conn
	out  chan frame

	mu   sync.Mutex
	subs map[string]uint32 // topic -> epoch

	overflowSince map[string]time.Time
}

// Broker fans packets out to subscribed clients under Topic, tracking
// per-connection last-sent meta_rev and epoch gating.
type Broker struct {
	mu           sync.Mutex
	clients      map[*client]bool
	graceWindow  time.Duration
	outboxDepth  int
	lastSentRev  map[*client]map[string]uint32
}

// New constructs a Broker. graceWindow is how long an outbox may stay
// saturated before the connection is closed with code 4010 (§4.7).
func New(graceWindow time.Duration, outboxDepth int) *Broker {
	if graceWindow <= 0 {
		graceWindow = 2 * time.Second
	}
	if outboxDepth <= 0 {
		outboxDepth = 256
	}
	return &Broker{
		clients:     make(map[*client]bool),
		lastSentRev: make(map[*client]map[string]uint32),
		graceWindow: graceWindow,
		outboxDepth: outboxDepth,
	}
}

// ServeHTTP upgrades the connection and registers it, reading subscribe
// control messages until the connection closes.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("wsbroker: upgrade failed", "error", err)
		return
	}
	c := &client{
		conn:          conn,
		out:           make(chan frame, b.outboxDepth),
		subs:          make(map[string]uint32),
		overflowSince: make(map[string]time.Time),
	}
	b.register(c)
	go b.writePump(c)
	b.readPump(c)
}

func (b *Broker) register(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c] = true
	b.lastSentRev[c] = make(map[string]uint32)
	metrics.WebsocketConnections.Inc()
}

func (b *Broker) unregister(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[c] {
		delete(b.clients, c)
		delete(b.lastSentRev, c)
		close(c.out)
		metrics.WebsocketConnections.Dec()
	}
}

func (b *Broker) readPump(c *client) {
	defer func() {
		b.unregister(c)
		c.conn.Close()
	}()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var sub wire.Subscribe
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		if sub.Type == "subscribe" {
			c.mu.Lock()
			c.subs[sub.Topic] = sub.Epoch
			c.mu.Unlock()
		}
	}
}

func (b *Broker) writePump(c *client) {
	defer c.conn.Close()
	for f := range c.out {
		mt := websocket.BinaryMessage
		if f.isMeta {
			mt = websocket.TextMessage
		}
		if err := c.conn.WriteMessage(mt, f.data); err != nil {
			return
		}
	}
}

// Publish sends meta (if the connection's last-sent rev for topic differs)
// followed by the data frame, to every client subscribed to topic. Clients
// whose declared epoch is behind metaRev are closed with code 4009.
func (b *Broker) Publish(topic string, metaRev uint32, metaFrame []byte, dataFrame []byte) {
	b.mu.Lock()
	targets := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		c.mu.Lock()
		epoch, subscribed := c.subs[topic]
		c.mu.Unlock()
		if !subscribed {
			continue
		}
		if epoch < metaRev {
			go b.closeStale(c)
			continue
		}
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		b.mu.Lock()
		last := b.lastSentRev[c][topic]
		b.mu.Unlock()
		if last != metaRev && metaFrame != nil {
			b.send(c, topic, frame{data: metaFrame, isMeta: true})
			b.mu.Lock()
			b.lastSentRev[c][topic] = metaRev
			b.mu.Unlock()
		}
		b.send(c, topic, frame{data: dataFrame, isMeta: false})
	}
}

func (b *Broker) closeStale(c *client) {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(wire.CloseStaleEpoch, "stale epoch"),
		time.Now().Add(time.Second))
	b.unregister(c)
	c.conn.Close()
}

// send enqueues f on c's outbox. Meta frames are never dropped; data frames
// are dropped oldest-first when the outbox is full. If the outbox stays
// saturated past the broker's grace window, the connection is closed with
// code 4010 (slow consumer, §4.7).
func (b *Broker) send(c *client, topic string, f frame) {
	select {
	case c.out <- f:
		c.mu.Lock()
		delete(c.overflowSince, topic)
		c.mu.Unlock()
		return
	default:
	}

	if f.isMeta {
		// Never drop meta: evict one queued data frame to make room.
		select {
		case <-c.out:
		default:
		}
		select {
		case c.out <- f:
		default:
		}
		return
	}

	c.mu.Lock()
	since, saturated := c.overflowSince[topic]
	if !saturated {
		c.overflowSince[topic] = time.Now()
	}
	c.mu.Unlock()
	if saturated && time.Since(since) > b.graceWindow {
		go func() {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(wire.CloseSlowConsumer, "slow consumer"),
				time.Now().Add(time.Second))
			b.unregister(c)
			c.conn.Close()
		}()
		return
	}
	// Drop oldest queued data frame, then enqueue the new one.
	select {
	case <-c.out:
		metrics.WebsocketOutboxDropsTotal.WithLabelValues(topic).Inc()
	default:
	}
	select {
	case c.out <- f:
	default:
	}
}
