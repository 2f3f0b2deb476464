package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Ingestion sources recorded on every candle row. Late fills and REST
// backfills are distinguished from the live stream so repairs are auditable.
const (
	SourceWSLive       = "ws-live"
	SourceWSLate       = "ws-late"
	SourceRESTBackfill = "rest-backfill"
)

// Candle is one OHLCV bar. Semantic identity is (Symbol, Interval, OpenTime);
// everything else is payload that an upsert may revise.
type Candle struct {
	Symbol              string    `json:"symbol" db:"symbol"`
	Interval            string    `json:"interval" db:"interval"`
	OpenTime            int64     `json:"open_time" db:"open_time"`
	CloseTime           int64     `json:"close_time" db:"close_time"`
	Open                float64   `json:"open" db:"open"`
	High                float64   `json:"high" db:"high"`
	Low                 float64   `json:"low" db:"low"`
	Close               float64   `json:"close" db:"close"`
	Volume              float64   `json:"volume" db:"volume"`
	TradeCount          int64     `json:"trade_count" db:"trade_count"`
	TakerBuyVolume      float64   `json:"taker_buy_volume" db:"taker_buy_volume"`
	TakerBuyQuoteVolume float64   `json:"taker_buy_quote_volume" db:"taker_buy_quote_volume"`
	IsClosed            bool      `json:"is_closed" db:"is_closed"`
	IngestionSource     string    `json:"ingestion_source" db:"ingestion_source"`
	UpdatedAt           time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// Validate rejects candles that would corrupt the store: empty identity,
// non-positive timestamps, or a high/low envelope that doesn't contain
// open and close.
func (c Candle) Validate() error {
	if c.Symbol == "" || c.Interval == "" {
		return fmt.Errorf("candle missing identity: symbol=%q interval=%q", c.Symbol, c.Interval)
	}
	if c.OpenTime <= 0 {
		return fmt.Errorf("candle %s/%s has non-positive open_time %d", c.Symbol, c.Interval, c.OpenTime)
	}
	if c.High < c.Low {
		return fmt.Errorf("candle %s/%s@%d inverted range high=%v low=%v", c.Symbol, c.Interval, c.OpenTime, c.High, c.Low)
	}
	return nil
}

// CloseTimeFor returns the canonical close_time for a bar: the last
// millisecond of its interval.
func CloseTimeFor(openTime, intervalMS int64) int64 {
	return openTime + intervalMS - 1
}

// ExpectedBars returns the number of bars a fully populated series would
// contain over [from, to] inclusive on bar boundaries.
func ExpectedBars(from, to, intervalMS int64) int64 {
	if intervalMS <= 0 || to < from {
		return 0
	}
	return (to-from)/intervalMS + 1
}

// IntervalMS parses an exchange-style interval string ("1m", "15m", "4h",
// "1d") into milliseconds.
func IntervalMS(interval string) (int64, error) {
	s := strings.TrimSpace(interval)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	unit := s[len(s)-1]
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	switch unit {
	case 'm':
		return n * time.Minute.Milliseconds(), nil
	case 'h':
		return n * time.Hour.Milliseconds(), nil
	case 'd':
		return n * 24 * time.Hour.Milliseconds(), nil
	case 'w':
		return n * 7 * 24 * time.Hour.Milliseconds(), nil
	default:
		return 0, fmt.Errorf("invalid interval unit in %q", interval)
	}
}

// DefaultIntervalMS is the fallback used when an interval cannot be derived
// from stored data (gap merge on spans with no candle pair). Operators should
// configure the true interval per stream; one minute matches the primary feed.
const DefaultIntervalMS int64 = 60_000
