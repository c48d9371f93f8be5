package wsconn

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair returns a server-side Conn and the raw client websocket
func pair(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()
	accepted := make(chan *Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- New(ws)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-accepted:
		t.Cleanup(func() { c.Close() })
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
		return nil, nil
	}
}

func TestReadSpansMessages(t *testing.T) {
	conn, client := pair(t)

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{3, 4, 5}))

	buf := make([]byte, 4)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)

	one := make([]byte, 1)
	_, err = io.ReadFull(conn, one)
	require.NoError(t, err)
	assert.Equal(t, byte(5), one[0])
}

func TestWriteIsOneMessage(t *testing.T) {
	conn, client := pair(t)

	n, err := conn.Write([]byte("frame"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	kind, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte("frame"), data)
}

func TestReadDeadlineIsRecoverable(t *testing.T) {
	conn, client := pair(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// The connection keeps working after a timeout
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{9}))
	buf := make([]byte, 1)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, byte(9), buf[0])
}

func TestReadAfterPeerClose(t *testing.T) {
	conn, client := pair(t)

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
