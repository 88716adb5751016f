package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/medrex/lab-analysis/pkg/interfaces"
	"github.com/medrex/lab-analysis/pkg/logger"
	"github.com/medrex/lab-analysis/pkg/types"
)

var (
	_ interfaces.EventPublisher = (*NATSPublisher)(nil)
	_ interfaces.EventPublisher = (*LogPublisher)(nil)
)

// NATSConfig configures the NATS event publisher
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	Timeout       time.Duration
}

// natsConn is the subset of *nats.Conn the publisher needs
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes analysis events as JSON on core NATS subjects
type NATSPublisher struct {
	mu     sync.RWMutex
	conn   natsConn
	prefix string
	logger *logger.Logger
}

// NewNATSPublisher connects to NATS and returns a publisher
func NewNATSPublisher(cfg NATSConfig, log *logger.Logger) (*NATSPublisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithComponent("notify").WithError(err).Warn("NATS connection lost")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithComponent("notify").WithField("url", c.ConnectedUrl()).Info("NATS connection restored")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.WithFields(map[string]interface{}{
		"component": "notify",
		"url":       cfg.URL,
		"prefix":    cfg.SubjectPrefix,
	}).Info("Connected to NATS")

	return newNATSPublisher(conn, cfg.SubjectPrefix, log), nil
}

func newNATSPublisher(conn natsConn, prefix string, log *logger.Logger) *NATSPublisher {
	return &NATSPublisher{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: log,
	}
}

// Subject returns the subject an event type is published on
func (p *NATSPublisher) Subject(eventType types.EventType) string {
	if p.prefix == "" {
		return string(eventType)
	}
	return p.prefix + "." + string(eventType)
}

// Publish sends the event to <prefix>.<type>
func (p *NATSPublisher) Publish(ctx context.Context, event *types.AnalysisEvent) error {
	if event == nil {
		return types.NewValidationError("event is required", nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("nats publisher is closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := p.Subject(event.Type)
	if err := conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection so buffered events are flushed
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Drain()
}

// LogPublisher writes events to the structured log when NATS is disabled
type LogPublisher struct {
	logger *logger.Logger
}

// NewLogPublisher creates a logging publisher
func NewLogPublisher(log *logger.Logger) *LogPublisher {
	return &LogPublisher{logger: log}
}

func (p *LogPublisher) Publish(ctx context.Context, event *types.AnalysisEvent) error {
	if event == nil {
		return types.NewValidationError("event is required", nil)
	}

	fields := map[string]interface{}{
		"component":  "notify",
		"event_type": string(event.Type),
		"order_id":   event.OrderID,
	}
	if event.OrderServiceID != "" {
		fields["order_service_id"] = event.OrderServiceID
	}
	if event.AnalyzerID != 0 {
		fields["analyzer_id"] = event.AnalyzerID
	}
	if event.UserID != "" {
		fields["user_id"] = event.UserID
	}
	for k, v := range event.Data {
		fields["data_"+k] = v
	}

	p.logger.WithFields(fields).Info("Analysis event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
