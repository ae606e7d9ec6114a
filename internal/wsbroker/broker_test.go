package wsbroker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elata.dev/eegd/internal/wire"
)

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, topic string, epoch uint32) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(wire.Subscribe{Type: "subscribe", Topic: topic, Epoch: epoch}))
	time.Sleep(20 * time.Millisecond) // let the broker's readPump register the subscription
}

// TestBroker_SendsMetaUpdateBeforeFirstDataPacket exercises §4.7's protocol:
// the first data_packet for a (connection, topic) is always preceded by a
// meta_update frame.
func TestBroker_SendsMetaUpdateBeforeFirstDataPacket(t *testing.T) {
	b := New(2*time.Second, 16)
	server := httptest.NewServer(b)
	defer server.Close()

	conn := dial(t, server)
	subscribe(t, conn, "eeg_voltage", 1)

	b.Publish("eeg_voltage", 1, []byte(`{"message_type":"meta_update"}`), []byte("data"))

	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Contains(t, string(data), "meta_update")

	mt, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, "data", string(data))
}

// TestBroker_SkipsRedundantMetaUpdateForSameRevision checks the broker only
// resends meta_update when the per-connection last-sent revision changes.
func TestBroker_SkipsRedundantMetaUpdateForSameRevision(t *testing.T) {
	b := New(2*time.Second, 16)
	server := httptest.NewServer(b)
	defer server.Close()

	conn := dial(t, server)
	subscribe(t, conn, "eeg_voltage", 5)

	metaFrame := []byte(`{"message_type":"meta_update"}`)
	b.Publish("eeg_voltage", 1, metaFrame, []byte("d1"))
	_, _, _ = conn.ReadMessage() // meta
	_, _, _ = conn.ReadMessage() // d1

	b.Publish("eeg_voltage", 1, metaFrame, []byte("d2"))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt, "no repeated meta_update for an unchanged revision")
	assert.Equal(t, "d2", string(data))
}

// TestBroker_ClosesStaleSubscriberWithCode4009 exercises §4.7/§6.2: a
// subscriber whose declared epoch is behind the packet's meta_rev is closed
// with code 4009.
func TestBroker_ClosesStaleSubscriberWithCode4009(t *testing.T) {
	b := New(2*time.Second, 16)
	server := httptest.NewServer(b)
	defer server.Close()

	conn := dial(t, server)
	subscribe(t, conn, "eeg_voltage", 1)

	b.Publish("eeg_voltage", 2, []byte(`{}`), []byte("d"))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a websocket close error, got %T: %v", err, err)
	assert.Equal(t, wire.CloseStaleEpoch, closeErr.Code)
}

// TestBroker_ClosesSlowConsumerAfterGraceWindow exercises §8 scenario 4: a
// subscriber that stops reading is closed with code 4010 once the outbox
// stays saturated past the grace window. The client's writePump is
// deliberately never started so the 1-deep outbox saturates on the very
// first extra send, independent of OS socket buffering.
func TestBroker_ClosesSlowConsumerAfterGraceWindow(t *testing.T) {
	b := New(30*time.Millisecond, 1)
	handler := &fakeUpgradeHandler{connCh: make(chan *websocket.Conn, 1)}
	server := httptest.NewServer(handler)
	defer server.Close()

	conn := dial(t, server)
	serverConn := <-handler.connCh

	c := &client{
		conn:          serverConn,
		out:           make(chan frame, 1),
		subs:          map[string]uint32{"eeg_voltage": 100},
		overflowSince: make(map[string]time.Time),
	}
	b.register(c)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.Publish("eeg_voltage", 1, nil, []byte("d"))
		time.Sleep(5 * time.Millisecond)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			require.True(t, ok, "expected close error, got %v", err)
			assert.Equal(t, wire.CloseSlowConsumer, closeErr.Code)
			return
		}
	}
}

// fakeUpgradeHandler upgrades the connection without registering it through
// Broker.ServeHTTP's own client/writePump, so tests can install a client
// whose outbox is never drained. The upgraded server-side conn is handed
// back to the test over connCh since it never otherwise leaves this handler.
type fakeUpgradeHandler struct{ connCh chan *websocket.Conn }

func (h *fakeUpgradeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.connCh <- conn
	// Keep the connection open; the test registers its own client.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
