package router

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpv-tools/racetimer/events"
	"github.com/fpv-tools/racetimer/store"
)

func dialWS(t *testing.T, h *harness, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if resp != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWSReceivesAuthorizedEvents(t *testing.T) {
	h := newHarness(t)
	conn := dialWS(t, h, h.token(t, h.admin))

	h.bus.Publish(events.PilotAdd, &store.Pilot{ID: 1, Callsign: "FLYBY"})

	frame := readFrame(t, conn)
	assert.Equal(t, "pilot_add", frame.EventID)
	assert.NotEqual(t, uuid.UUID{}, frame.ID)

	var pilot store.Pilot
	require.NoError(t, json.Unmarshal(frame.Data, &pilot))
	assert.Equal(t, "FLYBY", pilot.Callsign)
}

func TestWSRejectsUnauthenticated(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"

	dialer := websocket.Dialer{}
	conn, resp, err := dialer.Dial(url, nil)
	if conn != nil {
		conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	// The handler answers with a redirect to the index page, which the
	// client surfaces as a failed handshake.
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestWSRejectsMissingPermission(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.token(t, h.viewer))
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestWSMalformedInboundIsIgnored(t *testing.T) {
	h := newHarness(t)
	conn := dialWS(t, h, h.token(t, h.admin))

	// Garbage and unknown event ids are dropped without closing the socket.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(wsFrame{EventID: "no_such_event"}))

	h.bus.Publish(events.PilotAdd, &store.Pilot{Callsign: "STILL-UP"})
	frame := readFrame(t, conn)
	assert.Equal(t, "pilot_add", frame.EventID)
}

func TestWSHeartbeatRequiresOnlyWebsocketPermission(t *testing.T) {
	h := newHarness(t)
	conn := dialWS(t, h, h.token(t, h.admin))

	h.bus.Publish(events.Heartbeat, nil)
	frame := readFrame(t, conn)
	assert.Equal(t, "heartbeat", frame.EventID)
}
