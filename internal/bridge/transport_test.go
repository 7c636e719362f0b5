package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nutritrack/commercekit/internal/remote"
	"github.com/nutritrack/commercekit/pkg/logger"
)

// wsPair dials a websocket against a local test server and returns both
// ends: the transport-side conn and the web-content-side conn.
func wsPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-serverConns
	t.Cleanup(func() { serverConn.Close() })
	return clientConn, serverConn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func newTestTransport(t *testing.T, d *Dispatcher) (*Transport, *websocket.Conn) {
	t.Helper()
	hostConn, webConn := wsPair(t)
	tr := NewTransport(d, func() Handshake {
		return Handshake{Locale: "en-US", Region: "US", ProtocolVersion: 2, SessionID: "sess-1"}
	}, nil, logger.NewNop())
	tr.AttachHost(hostConn)
	t.Cleanup(tr.DetachHost)
	return tr, webConn
}

func TestInboundRequestProducesCorrelatedResponse(t *testing.T) {
	d := newTestDispatcher()
	d.Register("ping", func(ctx context.Context, params Params) (Params, error) {
		return Params{"pong": Bool(true)}, nil
	})
	_, web := newTestTransport(t, d)

	writeMessage(t, web, Message{ID: "abc", Action: "ping"})

	resp := readMessage(t, web)
	require.Equal(t, "abc", resp.ID)
	require.Empty(t, resp.Error)
	pong, ok := resp.Parameters["pong"].AsBool()
	require.True(t, ok)
	require.True(t, pong)
}

func TestUnknownInboundActionProducesNoResponse(t *testing.T) {
	d := newTestDispatcher()
	d.Register("known", func(ctx context.Context, params Params) (Params, error) {
		return Params{}, nil
	})
	_, web := newTestTransport(t, d)

	writeMessage(t, web, Message{ID: "x-1", Action: "mystery"})
	// A follow-up known request must still work, and its response must be
	// the first (and only) frame we see.
	writeMessage(t, web, Message{ID: "x-2", Action: "known"})

	resp := readMessage(t, web)
	require.Equal(t, "x-2", resp.ID)
}

func TestHandshakeSentOncePerNavigation(t *testing.T) {
	tr, web := newTestTransport(t, newTestDispatcher())

	tr.OnNavigationFinished("nav-1")
	tr.OnNavigationFinished("nav-1") // duplicate completion, must be a no-op

	first := readMessage(t, web)
	require.Equal(t, startAction, first.Action)
	locale, _ := first.Params["locale"].AsString()
	require.Equal(t, "en-US", locale)
	sess, _ := first.Params["sessionId"].AsString()
	require.Equal(t, "sess-1", sess)

	// A new navigation re-sends the handshake.
	tr.OnNavigationFinished("nav-2")
	second := readMessage(t, web)
	require.Equal(t, startAction, second.Action)

	// No third frame: the duplicate nav-1 completion produced nothing.
	web.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := web.ReadMessage()
	require.Error(t, err, "duplicate navigation should not produce a handshake")
}

func TestUnmatchedCorrelationIDIsDropped(t *testing.T) {
	d := newTestDispatcher()
	d.Register("ping", func(ctx context.Context, params Params) (Params, error) {
		return Params{}, nil
	})
	_, web := newTestTransport(t, d)

	// A response nobody asked for: must be dropped without breaking the
	// bridge.
	writeMessage(t, web, Message{ID: "ghost", Parameters: Params{"res": Bool(true)}})
	writeMessage(t, web, Message{ID: "real", Action: "ping"})

	resp := readMessage(t, web)
	require.Equal(t, "real", resp.ID)
}

func TestCallRoundTrip(t *testing.T) {
	tr, web := newTestTransport(t, newTestDispatcher())

	go func() {
		msg := readMessage(t, web)
		writeMessage(t, web, Message{ID: msg.ID, Parameters: Params{"ok": Bool(true)}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := tr.Call(ctx, "refresh", Params{})
	require.NoError(t, err)
	ok, _ := resp.Parameters["ok"].AsBool()
	require.True(t, ok)
}

func TestSendWithoutHost(t *testing.T) {
	tr := NewTransport(newTestDispatcher(), nil, nil, logger.NewNop())
	err := tr.Send(Response{ID: "orphan"})
	require.ErrorIs(t, err, ErrNoHost)
}

func TestSendAfterDetach(t *testing.T) {
	d := newTestDispatcher()
	hostConn, _ := wsPair(t)
	tr := NewTransport(d, nil, nil, logger.NewNop())
	tr.AttachHost(hostConn)
	tr.DetachHost()

	err := tr.Send(Response{ID: "late"})
	require.ErrorIs(t, err, ErrNoHost)
}

// =============================================================================
// Navigation header guard
// =============================================================================

func TestAuthorizeReissuesWhenHeaderMissing(t *testing.T) {
	policy := NavigationPolicy{AppID: "app-9"}

	req, err := http.NewRequest(http.MethodGet, "https://shop.example.com/paywall", nil)
	require.NoError(t, err)

	reissue, proceed := policy.Authorize(req)
	require.False(t, proceed, "navigation without identity header must be cancelled")
	require.NotNil(t, reissue)
	require.Equal(t, "app-9", reissue.Header.Get(remote.AppIDHeader))
	require.Equal(t, "app-9", reissue.Header.Get(remote.AppIDHeaderLegacy))
}

func TestAuthorizeProceedsWhenHeadersPresent(t *testing.T) {
	policy := NavigationPolicy{AppID: "app-9"}

	req, err := http.NewRequest(http.MethodGet, "https://shop.example.com/paywall", nil)
	require.NoError(t, err)
	req.Header.Set(remote.AppIDHeader, "app-9")
	req.Header.Set(remote.AppIDHeaderLegacy, "app-9")

	reissue, proceed := policy.Authorize(req)
	require.True(t, proceed)
	require.Nil(t, reissue, "must never double-navigate")
}
