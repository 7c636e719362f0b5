package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nutritrack/commercekit/internal/remote"
	"github.com/nutritrack/commercekit/internal/telemetry"
	"github.com/nutritrack/commercekit/pkg/logger"
)

// startAction is the dedicated function the web content exposes for the
// post-navigation handshake.
const startAction = "start"

// ErrNoHost is returned when a send is attempted with no attached host
// surface.
var ErrNoHost = errors.New("bridge: no host attached")

// HandshakeFunc builds the handshake payload re-sent after each completed
// navigation.
type HandshakeFunc func() Handshake

// Transport owns the embedded rendering surface connection. It marshals
// messages in both directions, re-issues the handshake after navigations,
// and guards outbound navigations so the application identity header is
// never lost across redirects.
type Transport struct {
	log        *logger.Logger
	events     telemetry.Logger
	dispatcher *Dispatcher
	handshake  HandshakeFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	sendq     chan Message
	done      chan struct{}
	wg        sync.WaitGroup
	lastNav   string
	pending   map[string]chan Response
}

// NewTransport creates a transport routing inbound requests to dispatcher.
func NewTransport(dispatcher *Dispatcher, handshake HandshakeFunc, events telemetry.Logger, log *logger.Logger) *Transport {
	if log == nil {
		log = logger.NewDefault("bridge-transport")
	}
	if events == nil {
		events = telemetry.NopLogger{}
	}
	return &Transport{
		log:        log,
		events:     events,
		dispatcher: dispatcher,
		handshake:  handshake,
		pending:    make(map[string]chan Response),
	}
}

// AttachHost binds the transport to the host's surface connection and
// starts the read and write loops. Attaching while a host is already bound
// replaces it.
func (t *Transport) AttachHost(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn != nil {
		t.detachLocked()
	}
	t.conn = conn
	t.sendq = make(chan Message, 64)
	t.done = make(chan struct{})
	t.lastNav = ""
	sendq, done := t.sendq, t.done
	t.mu.Unlock()

	t.wg.Add(2)
	go t.writeLoop(conn, sendq, done)
	go t.readLoop(conn, done)
}

// DetachHost unbinds the host surface. Subsequent sends are dropped with a
// diagnostic; the handle never outlives the host.
func (t *Transport) DetachHost() {
	t.mu.Lock()
	t.detachLocked()
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Transport) detachLocked() {
	if t.conn == nil {
		return
	}
	close(t.done)
	t.conn.Close()
	t.conn = nil
	t.sendq = nil
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

// Send delivers a correlated response to the web content. It never blocks
// the caller: delivery happens on the writer goroutine, and a saturated
// queue drops the message with a diagnostic; the content re-requests on
// its own schedule.
func (t *Transport) Send(resp Response) error {
	return t.enqueue(resp.message())
}

func (t *Transport) enqueue(msg Message) error {
	t.mu.Lock()
	sendq := t.sendq
	t.mu.Unlock()

	if sendq == nil {
		t.log.WithField("id", msg.ID).Debug("send dropped: no host attached")
		return ErrNoHost
	}
	select {
	case sendq <- msg:
		return nil
	default:
		t.log.WithField("id", msg.ID).Warn("send dropped: queue full")
		t.events.Log(telemetry.Event{Name: telemetry.EventDeliveryFailed})
		return fmt.Errorf("bridge: send queue full")
	}
}

// Call issues a native-initiated request to the web content and waits for
// the correlated response.
func (t *Transport) Call(ctx context.Context, action string, params Params) (Response, error) {
	id := uuid.NewString()
	ch := make(chan Response, 1)

	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return Response{}, ErrNoHost
	}
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.enqueue(Message{ID: id, Action: action, Params: params}); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return Response{}, err
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return Response{}, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return Response{}, ErrNoHost
		}
		return resp, nil
	}
}

// OnNavigationFinished re-sends the handshake payload through the dedicated
// start function. Exactly one handshake is sent per completed navigation:
// calling this twice for the same navigation id is a no-op.
func (t *Transport) OnNavigationFinished(navigationID string) {
	t.mu.Lock()
	if navigationID != "" && navigationID == t.lastNav {
		t.mu.Unlock()
		return
	}
	t.lastNav = navigationID
	t.mu.Unlock()

	if t.handshake == nil {
		return
	}
	hs := t.handshake()
	params := Params{
		"locale":          String(hs.Locale),
		"region":          String(hs.Region),
		"rtl":             Bool(hs.RTL),
		"protocolVersion": Number(float64(hs.ProtocolVersion)),
		"sessionId":       String(hs.SessionID),
	}
	if err := t.enqueue(Message{ID: uuid.NewString(), Action: startAction, Params: params}); err != nil {
		t.log.WithError(err).Warn("handshake delivery failed")
	}
}

// OnNavigationFailed records a failed navigation. Never fatal to the
// bridge; surfaced as telemetry for the host's dashboards.
func (t *Transport) OnNavigationFailed(navigationID string, cause error) {
	t.log.WithError(cause).WithField("navigation", navigationID).Warn("navigation failed")
	t.events.Log(telemetry.Event{
		Name: telemetry.EventNavigationFailed,
		Info: map[string]string{"navigation": navigationID},
	})
}

func (t *Transport) writeLoop(conn *websocket.Conn, sendq chan Message, done chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case <-done:
			return
		case msg := <-sendq:
			payload, err := json.Marshal(msg)
			if err != nil {
				t.log.WithError(err).WithField("id", msg.ID).Warn("marshal outbound message failed")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				t.log.WithError(err).WithField("id", msg.ID).Warn("write outbound message failed")
				t.events.Log(telemetry.Event{Name: telemetry.EventDeliveryFailed})
			}
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case <-done:
			return
		default:
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.log.WithError(err).Warn("malformed inbound message dropped")
			continue
		}
		t.route(msg)
	}
}

func (t *Transport) route(msg Message) {
	if msg.IsRequest() {
		req := Request{ID: msg.ID, Action: msg.Action, Params: msg.Params}
		// Handlers may block on network and store calls; each dispatch runs
		// on its own goroutine and responds through the send queue.
		go t.dispatcher.Dispatch(context.Background(), req, t)
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[msg.ID]
	if ok {
		delete(t.pending, msg.ID)
	}
	t.mu.Unlock()

	if !ok {
		// Unmatched correlation ids are dropped, but always leave a trace.
		t.log.WithField("id", msg.ID).Debug("response with unmatched correlation id dropped")
		return
	}
	ch <- Response{ID: msg.ID, Parameters: msg.Parameters, Error: msg.Error}
}

// =============================================================================
// Navigation header guard
// =============================================================================

// NavigationPolicy guards outbound main-frame navigations. The hosting
// runtime can silently drop custom headers across redirects and
// script-driven navigations, so the host must pass every navigation request
// through Authorize before letting it proceed.
type NavigationPolicy struct {
	AppID string
}

// Authorize inspects an outbound navigation request. When the identity
// header is present the original request may proceed. When it is missing,
// the original navigation must be cancelled and the returned re-issued
// request loaded instead, never both.
func (p NavigationPolicy) Authorize(req *http.Request) (reissue *http.Request, proceed bool) {
	if req.Header.Get(remote.AppIDHeader) != "" && req.Header.Get(remote.AppIDHeaderLegacy) != "" {
		return nil, true
	}

	clone := req.Clone(req.Context())
	if clone.Header == nil {
		clone.Header = make(http.Header)
	}
	clone.Header.Set(remote.AppIDHeader, p.AppID)
	clone.Header.Set(remote.AppIDHeaderLegacy, p.AppID)
	return clone, false
}
