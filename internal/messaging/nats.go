package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/models"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const publishTimeout = 2 * time.Second

// NATSClient publishes sync events to JetStream
type NATSClient struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Entry
	cfg    *config.NATSConfig

	subs   map[string]*nats.Subscription
	subsMu sync.RWMutex
}

// NewNATSClient connects and makes sure the SYNC stream exists
func NewNATSClient(cfg *config.NATSConfig, logger *logrus.Logger) (*NATSClient, error) {
	log := logger.WithField("component", "nats")
	opts := []nats.Option{
		nats.Name("market-sync"),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	nc := &NATSClient{
		conn:   conn,
		js:     js,
		logger: log,
		cfg:    cfg,
		subs:   make(map[string]*nats.Subscription),
	}

	if err := nc.initializeStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize streams: %w", err)
	}

	return nc, nil
}

// initializeStream creates the SYNC stream
func (nc *NATSClient) initializeStream() error {
	_, err := nc.js.AddStream(&nats.StreamConfig{
		Name:     StreamSync,
		Subjects: []string{subjectRoot + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create %s stream: %w", StreamSync, err)
	}
	return nil
}

// Close drains subscriptions and closes the connection
func (nc *NATSClient) Close() error {
	nc.subsMu.Lock()
	nc.subs = make(map[string]*nats.Subscription)
	nc.subsMu.Unlock()

	if nc.conn.IsClosed() {
		return nil
	}
	if err := nc.conn.Drain(); err != nil {
		nc.conn.Close()
		return err
	}
	return nil
}

// IsConnected checks if NATS is connected
func (nc *NATSClient) IsConnected() bool {
	return nc.conn.IsConnected()
}

// publish marshals v and waits for the stream acknowledgement
func (nc *NATSClient) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", subject, err)
	}

	future, err := nc.js.PublishAsync(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	select {
	case <-future.Ok():
		nc.logger.WithField("subject", subject).Debug("Event published")
		return nil
	case err := <-future.Err():
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	case <-time.After(publishTimeout):
		return fmt.Errorf("publish timeout for subject %s", subject)
	}
}

// Sync operations

// PublishPhase announces a finished phase
func (nc *NATSClient) PublishPhase(ev *PhaseEvent) error {
	return nc.publish(PhaseSubject(ev.Phase), ev)
}

// PublishProgress reports pipeline progress
func (nc *NATSClient) PublishProgress(ev *ProgressEvent) error {
	return nc.publish(ProgressSubject(ev.Job), ev)
}

// PublishReport publishes the final report of a run
func (nc *NATSClient) PublishReport(report *models.SyncReport) error {
	return nc.publish(SubjectReport, report)
}

// PublishError reports a phase error
func (nc *NATSClient) PublishError(ev *ErrorEvent) error {
	return nc.publish(ErrorSubject(ev.Phase), ev)
}

// SubscribeReports delivers reports published by sync runs
func (nc *NATSClient) SubscribeReports(handler func(*models.SyncReport)) error {
	sub, err := nc.conn.Subscribe(SubjectReport, func(msg *nats.Msg) {
		var report models.SyncReport
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			nc.logger.WithError(err).Error("Failed to unmarshal sync report")
			return
		}
		handler(&report)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to reports: %w", err)
	}

	nc.subsMu.Lock()
	nc.subs[SubjectReport] = sub
	nc.subsMu.Unlock()
	return nil
}

// Unsubscribe removes a subscription
func (nc *NATSClient) Unsubscribe(subject string) error {
	nc.subsMu.Lock()
	defer nc.subsMu.Unlock()

	sub, ok := nc.subs[subject]
	if !ok {
		return nil
	}
	delete(nc.subs, subject)
	return sub.Unsubscribe()
}
