// Package transport implements the gorilla/websocket connection pump: one
// reader goroutine and one writer goroutine per connected client,
// following the teacher's httpapi/server.go keepalive and shutdown
// pattern, decoding/encoding via internal/protocol.
package transport

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaylane/turnorchestrator/internal/observability"
	"github.com/relaylane/turnorchestrator/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	outboundBuffer = 256
)

// Upgrader wraps gorilla/websocket.Upgrader with the origin-check policy
// the teacher's server uses: same-origin or empty Origin allowed
// unconditionally, anything else gated by allowAnyOrigin.
func NewUpgrader(allowAnyOrigin bool) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAnyOrigin {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return origin == "http://"+r.Host || origin == "https://"+r.Host
		},
	}
}

// Conn owns one client's websocket connection: a reader goroutine that
// parses inbound frames and dispatches them to onMessage, and a writer
// goroutine that serializes outbound frames plus periodic pings. Send is
// safe to call from any goroutine until Close.
type Conn struct {
	clientID string
	ws       *websocket.Conn
	metrics  *observability.Metrics

	outbound chan any
	done     chan struct{}

	onMessage func(clientID string, msg any)
	onClose   func(clientID string)
}

// NewConn takes ownership of ws and starts its reader/writer goroutines.
// onMessage is invoked synchronously from the reader goroutine for every
// successfully parsed inbound message; onClose runs exactly once, after
// the connection has fully stopped.
func NewConn(clientID string, ws *websocket.Conn, metrics *observability.Metrics, onMessage func(string, any), onClose func(string)) *Conn {
	c := &Conn{
		clientID:  clientID,
		ws:        ws,
		metrics:   metrics,
		outbound:  make(chan any, outboundBuffer),
		done:      make(chan struct{}),
		onMessage: onMessage,
		onClose:   onClose,
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// Send enqueues msg for delivery. It never blocks the caller on a slow
// client: a full outbound buffer drops the connection rather than stall
// the turn that produced msg (spec §4.5's per-recipient isolation).
func (c *Conn) Send(msg any) error {
	select {
	case c.outbound <- msg:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		c.Close()
		return websocket.ErrCloseSent
	}
}

// Close tears down the connection idempotently.
func (c *Conn) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
		_ = c.ws.Close()
	}
}

func (c *Conn) readLoop() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, parseErr := protocol.ParseClientMessage(raw)
		if parseErr != nil {
			log.Printf("transport: client %s sent unparseable message: %v", c.clientID, parseErr)
			continue
		}
		c.onMessage(c.clientID, msg)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			payload, err := json.Marshal(msg)
			if err != nil {
				log.Printf("transport: marshal outbound message for %s: %v", c.clientID, err)
				continue
			}
			result := "ok"
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				result = "error"
			}
			if c.metrics != nil {
				c.metrics.ObserveOutboundMessage(messageTypeOf(msg), result)
			}
			if result == "error" {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) teardown() {
	c.Close()
	if c.onClose != nil {
		c.onClose(c.clientID)
	}
}

func messageTypeOf(msg any) string {
	switch msg.(type) {
	case protocol.Control:
		return string(protocol.TypeControl)
	case protocol.FullText:
		return string(protocol.TypeFullText)
	case protocol.UserInputTranscription:
		return string(protocol.TypeUserInputTranscription)
	case protocol.AudioResponse:
		return string(protocol.TypeAudioResponse)
	case protocol.BackendSynthComplete:
		return string(protocol.TypeBackendSynthComplete)
	case protocol.ForceNewMessage:
		return string(protocol.TypeForceNewMessage)
	case protocol.InterruptSignal:
		return string(protocol.TypeInterruptSignal)
	case protocol.ToolCallStatus:
		return string(protocol.TypeToolCallStatus)
	case protocol.ErrorEvent:
		return string(protocol.TypeError)
	default:
		return "unknown"
	}
}
