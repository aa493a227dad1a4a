package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/keymeld/connect-host/connect"
	"github.com/keymeld/connect-host/connect/store"
)

// backupRetainCount bounds how many snapshots stay in S3
const backupRetainCount = 10

// HostProcess runs the connect host daemon: it owns the NATS
// subscriptions, the session store, and the protocol controller.
type HostProcess struct {
	config     *Config
	natsClient *NATSClient
	store      *store.Store
	controller *connect.Controller
	control    *ControlHandler
	s3Client   *S3Client
	healthSrv  *HealthServer
}

// NewHostProcess creates a new host process
func NewHostProcess(config *Config) *HostProcess {
	return &HostProcess{
		config:    config,
		healthSrv: NewHealthServer(config.Health.Port),
	}
}

// Run starts the host process and blocks until the context is cancelled
func (p *HostProcess) Run(ctx context.Context) error {
	log.Info().Str("version", Version).Msg("Starting connect host daemon")

	// Start health server first so orchestration can probe us during startup
	go func() {
		if err := p.healthSrv.Start(); err != nil {
			log.Error().Err(err).Msg("Health server error")
		}
	}()
	defer p.healthSrv.Stop()

	// Connect to NATS
	natsClient, err := NewNATSClient(p.config.NATS, func(connected bool) {
		p.healthSrv.UpdateStatus(func(s *HealthStatus) { s.NATSConnected = connected })
	})
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p.natsClient = natsClient
	defer natsClient.Close()
	p.healthSrv.UpdateStatus(func(s *HealthStatus) { s.NATSConnected = true })
	log.Info().Str("url", p.config.NATS.URL).Msg("Connected to NATS")

	// Load the DEK and open the session store
	dek, err := loadDEK(ctx, p.config.Store)
	if err != nil {
		return fmt.Errorf("failed to load DEK: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.config.Store.Path), 0700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	st, err := store.Open(p.config.Store.Path, dek)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	p.store = st
	defer st.Close()
	p.healthSrv.UpdateStatus(func(s *HealthStatus) { s.StoreOpen = true })

	// Trust registry seeds from config, SSM refresh is best effort
	trust, err := NewTrustRegistry(ctx, p.config.Trust)
	if err != nil {
		return fmt.Errorf("failed to create trust registry: %w", err)
	}
	if err := trust.RefreshFromSSM(ctx); err != nil {
		log.Warn().Err(err).Msg("Verified app refresh failed, using configured list")
	}

	// Snapshot backups
	if p.config.Backup.Bucket != "" {
		s3Client, err := NewS3Client(ctx, p.config.Backup.Bucket, p.config.Backup.Region)
		if err != nil {
			return fmt.Errorf("failed to create S3 client: %w", err)
		}
		p.s3Client = s3Client
		p.maybeRestore(ctx)
		go p.backupLoop(ctx)
	}

	// Protocol controller
	controller, err := connect.NewController(connect.Config{
		Store:             st,
		Codec:             connect.NewX25519Codec(),
		Delivery:          p,
		Metadata:          NewHTTPMetadataFetcher(),
		Verifier:          trust,
		Events:            p,
		SessionExpiryDays: p.config.Session.ExpiryDays,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	p.controller = controller
	p.control = NewControlHandler(controller, st)

	controller.OnActiveChange(func(msg *connect.IncomingMessage) {
		count, _ := st.Count()
		p.healthSrv.UpdateStatus(func(s *HealthStatus) {
			s.ActiveMessage = msg != nil
			s.SessionCount = count
		})
	})
	if count, err := st.Count(); err == nil {
		p.healthSrv.UpdateStatus(func(s *HealthStatus) { s.SessionCount = count })
	}

	// Subscribe to request and control subjects
	msgChan := make(chan *NATSMessage, 64)
	if err := natsClient.Subscribe(p.config.NATS.RequestSubject, msgChan); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.config.NATS.RequestSubject, err)
	}
	if err := natsClient.Subscribe(p.config.NATS.ControlSubject, msgChan); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.config.NATS.ControlSubject, err)
	}

	log.Info().
		Str("request_subject", p.config.NATS.RequestSubject).
		Str("control_subject", p.config.NATS.ControlSubject).
		Msg("Connect host ready")

	// Main routing loop
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down connect host")
			return nil
		case msg := <-msgChan:
			p.handleMessage(ctx, msg)
		}
	}
}

// handleMessage routes a NATS message by subject
func (p *HostProcess) handleMessage(ctx context.Context, msg *NATSMessage) {
	switch msg.Subject {
	case p.config.NATS.RequestSubject:
		p.handleRequest(msg)
	case p.config.NATS.ControlSubject:
		p.handleControl(ctx, msg)
	default:
		log.Warn().Str("subject", msg.Subject).Msg("Message on unexpected subject")
	}
}

// handleRequest feeds an inbound connect link to the controller.
// The message body is the raw link as published by the relay.
func (p *HostProcess) handleRequest(msg *NATSMessage) {
	installed, err := p.controller.SubmitRawRequest(string(msg.Data))
	if err != nil {
		log.Error().Err(err).Msg("Request processing failed")
	}
	p.healthSrv.UpdateStatus(func(s *HealthStatus) { s.RequestsProcessed++ })

	if msg.Reply != "" {
		ack := map[string]any{"installed": installed}
		if err != nil {
			ack["error"] = sanitizeErrorForClient(err.Error())
		}
		data, _ := json.Marshal(ack)
		if err := p.natsClient.Publish(msg.Reply, data); err != nil {
			log.Error().Err(err).Msg("Failed to publish request ack")
		}
	}
}

// handleControl dispatches a control plane message
func (p *HostProcess) handleControl(ctx context.Context, msg *NATSMessage) {
	var control ControlMessage
	if err := json.Unmarshal(msg.Data, &control); err != nil {
		log.Warn().Err(err).Msg("Malformed control message")
		if msg.Reply != "" {
			resp := &ControlResponse{Type: ControlTypeError, Error: "malformed control message"}
			data, _ := json.Marshal(resp)
			p.natsClient.Publish(msg.Reply, data)
		}
		return
	}

	resp := p.control.Handle(ctx, &control)
	if msg.Reply != "" {
		data, _ := json.Marshal(resp)
		if err := p.natsClient.Publish(msg.Reply, data); err != nil {
			log.Error().Err(err).Str("id", control.ID).Msg("Failed to publish control response")
		}
	}
}

// Send implements connect.Delivery. Responses go to the delivery
// subject where the relay forwards them to the app's callback URL.
// Publishing happens off the calling goroutine so the controller is
// never blocked on the transport.
func (p *HostProcess) Send(callbackURL string, payload []byte) {
	go func() {
		env := struct {
			CallbackURL string          `json:"callback_url"`
			Payload     json.RawMessage `json:"payload"`
		}{
			CallbackURL: callbackURL,
			Payload:     payload,
		}
		data, _ := json.Marshal(env)
		if err := p.natsClient.Publish(p.config.NATS.DeliverySubject, data); err != nil {
			log.Error().Err(err).Str("callback_url", callbackURL).Msg("Failed to publish response delivery")
		}
	}()
}

// Emit implements connect.EventSink
func (p *HostProcess) Emit(name string, params map[string]string) {
	go func() {
		event := struct {
			ID        string            `json:"id"`
			Name      string            `json:"name"`
			Params    map[string]string `json:"params,omitempty"`
			Timestamp time.Time         `json:"timestamp"`
		}{
			ID:        uuid.NewString(),
			Name:      name,
			Params:    params,
			Timestamp: time.Now().UTC(),
		}
		data, _ := json.Marshal(event)
		if err := p.natsClient.Publish(p.config.NATS.EventSubject, data); err != nil {
			log.Error().Err(err).Str("event", name).Msg("Failed to publish event")
		}
	}()
}

// --- Snapshot backups ---

func (p *HostProcess) backupLoop(ctx context.Context) {
	interval := time.Duration(p.config.Backup.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().
		Str("bucket", p.config.Backup.Bucket).
		Dur("interval", interval).
		Msg("Snapshot backups enabled")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.uploadSnapshot(ctx); err != nil {
				log.Error().Err(err).Msg("Snapshot upload failed")
			}
		}
	}
}

func (p *HostProcess) uploadSnapshot(ctx context.Context) error {
	snap, err := p.store.CreateSnapshot()
	if err != nil {
		return err
	}
	data, err := snap.Encode()
	if err != nil {
		return err
	}

	// Fixed-width UTC timestamps keep lexicographic order chronological
	key := fmt.Sprintf("%ssnapshot-%s.cbor", p.config.Backup.KeyPrefix, time.Now().UTC().Format("20060102T150405Z"))
	if err := p.s3Client.Put(ctx, key, data); err != nil {
		return err
	}
	log.Info().Str("key", key).Int("size", len(data)).Msg("Snapshot uploaded")

	return p.pruneSnapshots(ctx)
}

func (p *HostProcess) pruneSnapshots(ctx context.Context) error {
	keys, err := p.s3Client.List(ctx, p.config.Backup.KeyPrefix)
	if err != nil {
		return err
	}
	for len(keys) > backupRetainCount {
		if err := p.s3Client.Delete(ctx, keys[0]); err != nil {
			return err
		}
		log.Debug().Str("key", keys[0]).Msg("Pruned old snapshot")
		keys = keys[1:]
	}
	return nil
}

// maybeRestore pulls the latest snapshot when the local store is empty,
// covering recovery onto a fresh host.
func (p *HostProcess) maybeRestore(ctx context.Context) {
	count, err := p.store.Count()
	if err != nil || count > 0 {
		return
	}

	keys, err := p.s3Client.List(ctx, p.config.Backup.KeyPrefix)
	if err != nil {
		log.Warn().Err(err).Msg("Snapshot listing failed, skipping restore")
		return
	}
	if len(keys) == 0 {
		return
	}

	latest := keys[len(keys)-1]
	data, err := p.s3Client.Get(ctx, latest)
	if err != nil {
		log.Warn().Err(err).Str("key", latest).Msg("Snapshot download failed, skipping restore")
		return
	}
	snap, err := store.DecodeSnapshot(data)
	if err != nil {
		log.Warn().Err(err).Str("key", latest).Msg("Snapshot decode failed, skipping restore")
		return
	}
	if err := p.store.RestoreSnapshot(snap); err != nil {
		log.Warn().Err(err).Str("key", latest).Msg("Snapshot restore refused")
		return
	}
	log.Info().Str("key", latest).Msg("Restored sessions from snapshot")
}
