package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"bchgateway/internal/signer"
)

const testWIF = "KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVHnoWn"

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.Handle))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(msg, &out))
	return out
}

func sendControl(t *testing.T, conn *websocket.Conn, typ, invoiceID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": typ, "invoiceId": invoiceID}))
}

func newTestHub(t *testing.T) (*Hub, *signer.Service) {
	t.Helper()
	sig, err := signer.New(testWIF, "pay.example.com")
	require.NoError(t, err)
	return NewHub(sig), sig
}

func TestSubscribeAndNotify(t *testing.T) {
	hub, sig := newTestHub(t)
	conn := dialHub(t, hub)

	sendControl(t, conn, "subscribe", "inv-1")
	reply := readJSON(t, conn)
	require.Equal(t, "subscribed", reply["event"])
	require.Equal(t, 1, hub.Subscribers("inv-1"))

	hub.Notify("inv-1", "broadcasted", map[string]any{"invoice": map[string]any{"id": "inv-1"}})

	msg := readJSON(t, conn)
	require.Equal(t, "broadcasted", msg["event"])
	require.Contains(t, msg, "signature")

	// The signature covers the payload without the signature field.
	bundle := msg["signature"].(map[string]any)
	delete(msg, "signature")
	unsigned, err := json.Marshal(msg)
	require.NoError(t, err)
	ok, err := signer.Verify(sig.PublicKeyHex(), unsigned, bundle["signature"].(string))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNotifyReachesOnlySubscribedTopic(t *testing.T) {
	hub, _ := newTestHub(t)
	conn := dialHub(t, hub)

	sendControl(t, conn, "subscribe", "inv-1")
	readJSON(t, conn)

	hub.Notify("inv-other", "broadcasted", nil)
	hub.Notify("inv-1", "confirmed", nil)

	msg := readJSON(t, conn)
	require.Equal(t, "confirmed", msg["event"])
}

func TestUnsubscribeRemovesOnlyRequester(t *testing.T) {
	hub, _ := newTestHub(t)
	first := dialHub(t, hub)
	second := dialHub(t, hub)

	sendControl(t, first, "subscribe", "inv-1")
	readJSON(t, first)
	sendControl(t, second, "subscribe", "inv-1")
	readJSON(t, second)
	require.Equal(t, 2, hub.Subscribers("inv-1"))

	sendControl(t, first, "unsubscribe", "inv-1")
	reply := readJSON(t, first)
	require.Equal(t, "unsubscribed", reply["event"])
	require.Equal(t, 1, hub.Subscribers("inv-1"))

	hub.Notify("inv-1", "broadcasted", nil)
	msg := readJSON(t, second)
	require.Equal(t, "broadcasted", msg["event"])
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	hub, _ := newTestHub(t)
	conn := dialHub(t, hub)

	sendControl(t, conn, "subscribe", "inv-1")
	readJSON(t, conn)
	require.Equal(t, 1, hub.Subscribers("inv-1"))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return hub.Subscribers("inv-1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedControlMessage(t *testing.T) {
	hub, _ := newTestHub(t)
	conn := dialHub(t, hub)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe"}`)))
	reply := readJSON(t, conn)
	require.Contains(t, reply, "error")
}
