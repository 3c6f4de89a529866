package broadcast

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"cybersentinel/pkg/structlog"
)

const (
	defaultWriteWait   = 10 * time.Second
	defaultPongWait    = 60 * time.Second
	maxObserverFrame   = 4096
	tenantPathValue    = "tenant"
	closeReasonEvicted = "observer fell behind"
)

// Authorizer decides whether the request may observe tenant.
type Authorizer func(r *http.Request, tenant string) error

// WSHandler upgrades observers to a websocket and streams their tenant's
// events as JSON text frames. Closing the socket never affects analysis.
type WSHandler struct {
	registry  *Registry
	authorize Authorizer
	upgrader  websocket.Upgrader
	writeWait time.Duration
	pongWait  time.Duration
	logger    *structlog.Logger
}

type WSOption func(*WSHandler)

func WithAuthorizer(a Authorizer) WSOption { return func(h *WSHandler) { h.authorize = a } }

func WithWSLogger(l *structlog.Logger) WSOption {
	return func(h *WSHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithPongWait sets how long a silent connection is kept; pings are sent at
// 9/10 of it.
func WithPongWait(d time.Duration) WSOption {
	return func(h *WSHandler) {
		if d > 0 {
			h.pongWait = d
		}
	}
}

// NewWSHandler serves routes of the form /ws/incidents/{tenant}.
func NewWSHandler(reg *Registry, opts ...WSOption) *WSHandler {
	h := &WSHandler{
		registry:  reg,
		writeWait: defaultWriteWait,
		pongWait:  defaultPongWait,
		logger:    structlog.Nop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func tenantFromRequest(r *http.Request) string {
	if t := r.PathValue(tenantPathValue); t != "" {
		return t
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return ""
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if tenant == "" {
		http.Error(w, "tenant required", http.StatusBadRequest)
		return
	}
	if h.authorize != nil {
		if err := h.authorize(r, tenant); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", structlog.Fields{"tenant_id": tenant, "error": err})
		return
	}
	defer conn.Close()

	sub := h.registry.Subscribe(tenant)
	defer h.registry.Unsubscribe(sub)
	log := h.logger.WithFields(structlog.Fields{"tenant_id": tenant, "remote": r.RemoteAddr})
	log.Info("observer connected", nil)
	defer log.Info("observer disconnected", nil)

	done := make(chan struct{})
	go h.readLoop(conn, done)

	ping := time.NewTicker(h.pongWait * 9 / 10)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				h.writeClose(conn, websocket.ClosePolicyViolation, closeReasonEvicted)
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				log.Error("encode observer event", structlog.Fields{"error": err})
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readLoop drains client frames so control messages are processed and a
// disconnect is noticed.
func (h *WSHandler) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxObserverFrame)
	conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHandler) writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeWait))
}
