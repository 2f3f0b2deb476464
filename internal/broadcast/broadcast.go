// Package broadcast fans repair events out to subscribers: WebSocket clients
// attached to the ops server and, when configured, a Redis pub/sub channel.
// Delivery is best-effort everywhere; a failed broadcast never fails the
// repair that produced it.
package broadcast

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/obs"
)

// RepairMessage is the structured event sent after candles are written back
// into a previously gapped span.
type RepairMessage struct {
	Type      string          `json:"type"` // always "repair"
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	Candles   []domain.Candle `json:"candles"`
	MetaDelta map[string]any  `json:"meta_delta,omitempty"`
}

// NewRepair builds a repair message for one (symbol, interval).
func NewRepair(symbol, interval string, candles []domain.Candle, metaDelta map[string]any) RepairMessage {
	return RepairMessage{
		Type:      "repair",
		Symbol:    symbol,
		Interval:  interval,
		Candles:   candles,
		MetaDelta: metaDelta,
	}
}

// Broadcaster delivers repair events to whoever is listening.
type Broadcaster interface {
	PublishRepair(ctx context.Context, msg RepairMessage)
}

// Fanout multiplexes one publish across several sinks.
type Fanout struct {
	sinks   []Broadcaster
	metrics *obs.Metrics
}

// NewFanout builds a broadcaster over the given sinks; nil sinks are skipped.
func NewFanout(metrics *obs.Metrics, sinks ...Broadcaster) *Fanout {
	f := &Fanout{metrics: metrics}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// PublishRepair delivers to every sink.
func (f *Fanout) PublishRepair(ctx context.Context, msg RepairMessage) {
	for _, s := range f.sinks {
		s.PublishRepair(ctx, msg)
	}
	if f.metrics != nil {
		f.metrics.RepairsPublished.Inc()
	}
}

// encode marshals a message, logging rather than propagating failures since
// broadcast is best-effort.
func encode(msg RepairMessage) ([]byte, bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode repair message")
		return nil, false
	}
	return data, true
}
