package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chriscow/voice-session-go/pkg/agent"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

const outboundQueueSize = 64

type outbound struct {
	messageType int
	data        []byte

	// Set for audio. A message whose ctx ended while queued is dropped, and
	// the outcome goes to result.
	ctx    context.Context
	result chan error
}

// conn is the session transport over one websocket. A single write loop owns
// every write to the socket. HandleEvent only queues; SendAudio waits until
// its frame is written or dropped.
type conn struct {
	ws           *websocket.Conn
	out          chan outbound
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger

	stopOnce sync.Once
	stop     chan struct{} // asks the write loop to flush and close
	done     chan struct{} // closed when the write loop exits
}

func newConn(ws *websocket.Conn, pingInterval, writeTimeout time.Duration, logger *slog.Logger) *conn {
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &conn{
		ws:           ws,
		out:          make(chan outbound, outboundQueueSize),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		logger:       logger,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// HandleEvent sends ev to the client as a JSON text message.
func (c *conn) HandleEvent(ctx context.Context, ev agent.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, outbound{messageType: websocket.TextMessage, data: data})
}

// SendAudio sends the frame payload as a binary message. It returns once the
// frame is on the socket; if ctx ends first the frame is never written.
func (c *conn) SendAudio(ctx context.Context, frame rtc.AudioFrame) error {
	msg := outbound{
		messageType: websocket.BinaryMessage,
		data:        frame.Data,
		ctx:         ctx,
		result:      make(chan error, 1),
	}
	if err := c.enqueue(ctx, msg); err != nil {
		return err
	}
	select {
	case err := <-msg.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return agent.ErrTransportClosed
	}
}

func (c *conn) info(message string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	_ = c.HandleEvent(ctx, agent.Event{Type: agent.EventInfo, Message: message, Time: time.Now()})
}

func (c *conn) enqueue(ctx context.Context, msg outbound) error {
	select {
	case <-c.done:
		return agent.ErrTransportClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return agent.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop runs until a write fails or Close is called. On Close it flushes
// what is already queued and sends a close frame.
func (c *conn) writeLoop() error {
	defer close(c.done)
	defer c.ws.Close()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.out:
			if err := c.deliver(msg); err != nil {
				c.logger.Debug("WebSocket write failed", slog.String("error", err.Error()))
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug("WebSocket ping failed", slog.String("error", err.Error()))
				return err
			}
		case <-c.stop:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeTimeout))
			return nil
		}
	}
}

func (c *conn) flush() {
	for {
		select {
		case msg := <-c.out:
			if err := c.deliver(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// deliver writes msg unless its sender has given up on it. Only a socket
// error is returned.
func (c *conn) deliver(msg outbound) error {
	if msg.ctx != nil && msg.ctx.Err() != nil {
		msg.result <- msg.ctx.Err()
		return nil
	}
	err := c.write(msg)
	if msg.result != nil {
		msg.result <- err
	}
	return err
}

func (c *conn) write(msg outbound) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(msg.messageType, msg.data)
}

// Close stops the write loop and waits for it to exit.
func (c *conn) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}
