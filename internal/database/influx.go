package database

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

// InfluxMirror copies flushed bars into an InfluxDB bucket for charting.
// The relational store stays the source of truth.
type InfluxMirror struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	logger      *logrus.Entry
	measurement string
}

// NewInfluxMirror creates a new InfluxDB bar mirror
func NewInfluxMirror(cfg *config.InfluxConfig, logger *logrus.Logger) *InfluxMirror {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetHTTPRequestTimeout(uint(cfg.Timeout.Seconds())).
			SetLogLevel(0),
	)

	return &InfluxMirror{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger:      logger.WithField("component", "influx-mirror"),
		measurement: cfg.Measurement,
	}
}

// Close closes the InfluxDB client
func (m *InfluxMirror) Close() {
	m.client.Close()
}

// Health checks InfluxDB health
func (m *InfluxMirror) Health(ctx context.Context) error {
	health, err := m.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influxdb health check failed: %s", msg)
	}

	return nil
}

// Mirror writes the bars among records as points; other tables are ignored
func (m *InfluxMirror) Mirror(ctx context.Context, table string, records []models.Record) error {
	if table != models.TableBars {
		return nil
	}

	points := make([]*write.Point, 0, len(records))
	for _, rec := range records {
		bar, ok := rec.(*models.Bar)
		if !ok {
			continue
		}
		points = append(points, influxdb2.NewPoint(
			m.measurement,
			map[string]string{
				"symbol":    bar.Symbol,
				"frequency": bar.Frequency,
				"source":    bar.Source,
			},
			map[string]interface{}{
				"open":   bar.Open,
				"high":   bar.High,
				"low":    bar.Low,
				"close":  bar.Close,
				"volume": bar.Volume,
				"amount": bar.Amount,
			},
			bar.Date,
		))
	}
	if len(points) == 0 {
		return nil
	}

	if err := m.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to mirror bars batch (%d points): %w", len(points), err)
	}
	m.logger.WithField("points", len(points)).Debug("Mirrored bars")
	return nil
}
