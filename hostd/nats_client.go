package main

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSMessage represents a message received from NATS
type NATSMessage struct {
	Subject string
	Reply   string
	Data    []byte
}

// NATSClient wraps a NATS connection
type NATSClient struct {
	conn   *nats.Conn
	config NATSConfig
	subs   []*nats.Subscription
}

// NewNATSClient creates a new NATS client. onStateChange is invoked on
// disconnects and reconnects so the caller can refresh health state.
func NewNATSClient(cfg NATSConfig, onStateChange func(connected bool)) (*NATSClient, error) {
	// Build connection options
	opts := []nats.Option{
		nats.Name("keymeld-connect-host"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
			if onStateChange != nil {
				onStateChange(false)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			if onStateChange != nil {
				onStateChange(true)
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	// Add credentials if provided
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	// Connect
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSClient{
		conn:   conn,
		config: cfg,
	}, nil
}

// Subscribe subscribes to a subject and sends messages to the channel
func (c *NATSClient) Subscribe(subject string, msgChan chan *NATSMessage) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case msgChan <- &NATSMessage{
			Subject: msg.Subject,
			Reply:   msg.Reply,
			Data:    msg.Data,
		}:
		default:
			log.Warn().Str("subject", msg.Subject).Msg("Message channel full, dropping message")
		}
	})
	if err != nil {
		return err
	}

	c.subs = append(c.subs, sub)
	log.Debug().Str("subject", subject).Msg("Subscribed to NATS")
	return nil
}

// Publish publishes a message to a subject
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Close closes the NATS connection
func (c *NATSClient) Close() {
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.conn.Close()
}

// IsConnected returns true if connected to NATS
func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
