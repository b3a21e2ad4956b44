// Package bus publishes session lifecycle events to NATS.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chriscow/voice-session-go/internal/config"
	"github.com/chriscow/voice-session-go/pkg/agent"
)

type publisher interface {
	Publish(subject string, data []byte) error
}

// Client wraps a NATS connection and publishes events under a subject prefix.
type Client struct {
	conn   *nats.Conn
	pub    publisher
	prefix string
	log    *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("voiced"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", slog.String("server", nc.ConnectedUrl()))
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("Connected to NATS", slog.String("servers", url))

	return &Client{
		conn:   conn,
		pub:    conn,
		prefix: cfg.SubjectPrefix,
		log:    log,
	}, nil
}

// Subject returns the subject an event is published on:
// <prefix>.<session_id>.<event_type>.
func Subject(prefix string, ev agent.Event) string {
	return prefix + "." + token(ev.SessionID) + "." + token(string(ev.Type))
}

// token keeps a value usable as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// HandleEvent publishes ev as JSON. Interim transcripts are not published.
func (c *Client) HandleEvent(_ context.Context, ev agent.Event) error {
	if c == nil || c.pub == nil || ev.Type == agent.EventTranscriptInterim {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := c.pub.Publish(Subject(c.prefix, ev), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.log.Info("Closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}
