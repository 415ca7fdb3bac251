package export

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"

	"github.com/ilp-mesh/ccp-router/internal/metrics"
	"github.com/ilp-mesh/ccp-router/internal/routing"
	"github.com/klauspost/compress/zstd"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("export: zstd encoder init: %v", err))
	}
}

// Exporter publishes applied route changes to a Kafka topic so operators
// can audit what the mesh taught this node. A nil *Exporter is a valid
// disabled exporter; every method is nil-safe.
type Exporter struct {
	client   *kgo.Client
	topic    string
	compress bool
	logger   *zap.Logger
}

func NewExporter(brokers []string, topic, clientID string, tlsCfg *tls.Config,
	saslMech sasl.Mechanism, compress bool, logger *zap.Logger) (*Exporter, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}

	return &Exporter{
		client:   client,
		topic:    topic,
		compress: compress,
		logger:   logger,
	}, nil
}

// Publish ships route events asynchronously. Keyed by prefix so per-prefix
// event order survives partitioning. Failures are counted and logged, never
// propagated: the audit stream must not stall the control plane.
func (e *Exporter) Publish(ctx context.Context, events []routing.RouteEvent) {
	if e == nil {
		return
	}
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			metrics.ExportEventsTotal.WithLabelValues("marshal_error").Inc()
			continue
		}
		if e.compress {
			value = zstdEncoder.EncodeAll(value, nil)
		}
		record := &kgo.Record{
			Topic: e.topic,
			Key:   []byte(ev.Prefix),
			Value: value,
		}
		e.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
			if err != nil {
				metrics.ExportEventsTotal.WithLabelValues("error").Inc()
				e.logger.Warn("route event publish failed", zap.Error(err))
				return
			}
			metrics.ExportEventsTotal.WithLabelValues("ok").Inc()
		})
	}
}

// Close flushes buffered records and releases the client.
func (e *Exporter) Close(ctx context.Context) {
	if e == nil {
		return
	}
	if err := e.client.Flush(ctx); err != nil {
		e.logger.Warn("flushing route events on close failed", zap.Error(err))
	}
	e.client.Close()
}
