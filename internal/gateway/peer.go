package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mics-lab/orchestrator/internal/protocol"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // websocket keepalive interval, must be < pongWait
	writeWait  = 10 * time.Second // time allowed to write a message
	maxMsgSize = 512 * 1024       // max inbound frame size
	sendBuffer = 256              // per-peer outbound channel buffer
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Pilots are headless processes on the lab network, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// peer is one pilot connection. All writes go through the send channel into
// writePump; readPump is the only reader. The identity registered at upgrade
// time is authoritative for every envelope the connection produces.
type peer struct {
	gw       *Gateway
	identity string
	remoteIP string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

// ServeWS upgrades GET /ws?id={identity} and registers the pilot.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("id")
	if identity == "" {
		http.Error(w, "missing id query parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Gateway] websocket upgrade failed", "error", err)
		return
	}

	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = host
	}

	p := &peer{
		gw:       g,
		identity: identity,
		remoteIP: remoteIP,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	g.register(p)
	slog.Info("[Gateway] pilot connected", "identity", identity, "ip", remoteIP)

	go p.writePump()
	go p.readPump()
}

// enqueue hands a payload to the write pump without blocking.
func (p *peer) enqueue(payload []byte) bool {
	select {
	case p.send <- payload:
		return true
	default:
		return false
	}
}

// close tears the connection down exactly once.
func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.gw.unregister(p)
		p.conn.Close()
		slog.Info("[Gateway] pilot disconnected", "identity", p.identity)
	})
}

// writePump owns all writes to the connection: queued envelopes, keepalive
// pings, and the close frame.
func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case payload, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Warn("[Gateway] write failed", "identity", p.identity, "error", err)
				return
			}

			// Drain whatever queued up behind this message.
			n := len(p.send)
			for i := 0; i < n; i++ {
				if err := p.conn.WriteMessage(websocket.TextMessage, <-p.send); err != nil {
					slog.Warn("[Gateway] batch write failed", "identity", p.identity, "error", err)
					return
				}
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-p.done:
			return
		}
	}
}

// readPump owns all reads: decode each frame and dispatch it.
func (p *peer) readPump() {
	defer p.close()

	p.conn.SetReadLimit(maxMsgSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[Gateway] read error", "identity", p.identity, "error", err)
			}
			return
		}

		env, err := protocol.Decode(payload)
		if err != nil {
			slog.Warn("[Gateway] discarding malformed envelope", "identity", p.identity, "error", err)
			continue
		}
		p.gw.dispatch(p, env)
	}
}
