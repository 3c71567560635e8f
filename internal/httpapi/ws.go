package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sidepanel-ai/mcpbridge-go/internal/rpc"
	"github.com/sidepanel-ai/mcpbridge-go/internal/state"
	"github.com/sidepanel-ai/mcpbridge-go/internal/webmcp"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 64
)

// wsEnvelope is one websocket frame in either direction. Outbound frames are
// state events, rpc responses, or page-tool invocations; inbound frames are
// rpc requests.
type wsEnvelope struct {
	Kind     string          `json:"kind"`
	Request  *rpc.Request    `json:"request,omitempty"`
	Response *rpc.Response   `json:"response,omitempty"`
	Event    json.RawMessage `json:"event,omitempty"`
	Invoke   json.RawMessage `json:"invoke,omitempty"`
}

const (
	wsKindRequest  = "request"
	wsKindResponse = "response"
	wsKindEvent    = "state"
	wsKindInvoke   = "webmcp/invoke"
)

// wsHub tracks connected UI/panel sockets, pushes state-store events to all
// of them, and routes page-tool invocations to the socket that registered the
// page.
type wsHub struct {
	server   *Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsConn]struct{}
	pages map[string]*wsConn
}

type wsConn struct {
	conn   *websocket.Conn
	send   chan wsEnvelope
	pages  map[string]struct{}
	closed chan struct{}
}

func newWSHub(server *Server) *wsHub {
	return &wsHub{
		server: server,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The extension panel connects from its own origin; the listener
			// is loopback-only
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
		pages: make(map[string]*wsConn),
	}
}

func (h *wsHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.server.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsConn{
		conn:   socket,
		send:   make(chan wsEnvelope, wsSendBuffer),
		pages:  make(map[string]struct{}),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	events, cancelEvents := h.server.store.Subscribe()

	go h.writeLoop(c)
	go h.eventLoop(c, events)
	go h.readLoop(c, cancelEvents)
}

func (h *wsHub) writeLoop(c *wsConn) {
	for {
		select {
		case <-c.closed:
			return
		case envelope := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(envelope); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

func (h *wsHub) eventLoop(c *wsConn, events <-chan state.Event) {
	for event := range events {
		encoded, err := json.Marshal(event)
		if err != nil {
			continue
		}
		c.enqueue(wsEnvelope{Kind: wsKindEvent, Event: encoded})
	}
}

func (h *wsHub) readLoop(c *wsConn, cancelEvents func()) {
	defer func() {
		cancelEvents()
		h.drop(c)
	}()
	for {
		var envelope wsEnvelope
		if err := c.conn.ReadJSON(&envelope); err != nil {
			return
		}
		if envelope.Kind != wsKindRequest || envelope.Request == nil {
			continue
		}
		req := envelope.Request
		h.trackPages(c, req)
		// The upgrade request's context ends with the handler; dispatches
		// triggered by socket frames get their own
		resp := h.server.dispatcher.Dispatch(context.Background(), req)
		c.enqueue(wsEnvelope{Kind: wsKindResponse, Response: &resp})
	}
}

// trackPages remembers which socket registered which page so page-tool
// invocations route to it, and so a dropped socket unregisters its pages.
func (h *wsHub) trackPages(c *wsConn, req *rpc.Request) {
	if req.Type != rpc.TypeWebToolsRegister && req.Type != rpc.TypeWebToolsUnregister {
		return
	}
	var payload rpc.WebRegisterPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.PageID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if req.Type == rpc.TypeWebToolsRegister {
		h.pages[payload.PageID] = c
		c.pages[payload.PageID] = struct{}{}
	} else {
		delete(h.pages, payload.PageID)
		delete(c.pages, payload.PageID)
	}
}

// sendToPage delivers a page-tool invocation to the socket that registered
// the page. Satisfies webmcp.Sender.
func (h *wsHub) sendToPage(pageID string, req webmcp.CallRequest) error {
	h.mu.Lock()
	c, ok := h.pages[pageID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("page %q has no live socket", pageID)
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if !c.enqueue(wsEnvelope{Kind: wsKindInvoke, Invoke: encoded}) {
		return fmt.Errorf("socket for page %q is saturated", pageID)
	}
	return nil
}

func (h *wsHub) drop(c *wsConn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	droppedPages := make([]string, 0, len(c.pages))
	for pageID := range c.pages {
		delete(h.pages, pageID)
		droppedPages = append(droppedPages, pageID)
	}
	h.mu.Unlock()

	close(c.closed)
	_ = c.conn.Close()
	// A closed socket means its pages are gone too
	for _, pageID := range droppedPages {
		if h.server.pages != nil {
			h.server.pages.UnregisterPage(pageID)
		}
	}
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.drop(c)
	}
}

func (c *wsConn) enqueue(envelope wsEnvelope) bool {
	select {
	case <-c.closed:
		return false
	case c.send <- envelope:
		return true
	default:
		return false
	}
}
