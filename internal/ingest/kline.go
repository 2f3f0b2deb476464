package ingest

import (
	"fmt"
	"strconv"

	"github.com/quantpond/driftline/internal/domain"
)

// KlineMessage is one message from the live candle stream, shaped
// {k:{t,T,s,i,o,h,l,c,v,n,V,Q,x}}. OHLCV fields arrive as strings.
type KlineMessage struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Kline     Kline  `json:"k"`
}

// Kline is the candle payload inside a stream message.
type Kline struct {
	OpenTime      int64  `json:"t"`
	CloseTime     int64  `json:"T"`
	Symbol        string `json:"s"`
	Interval      string `json:"i"`
	Open          string `json:"o"`
	High          string `json:"h"`
	Low           string `json:"l"`
	Close         string `json:"c"`
	Volume        string `json:"v"`
	TradeCount    int64  `json:"n"`
	TakerBuyBase  string `json:"V"`
	TakerBuyQuote string `json:"Q"`
	Closed        bool   `json:"x"`
}

// Candle converts the wire payload into the canonical candle, stamping the
// ingestion source.
func (k Kline) Candle(source string) (domain.Candle, error) {
	open, err := parsePrice("open", k.Open)
	if err != nil {
		return domain.Candle{}, err
	}
	high, err := parsePrice("high", k.High)
	if err != nil {
		return domain.Candle{}, err
	}
	low, err := parsePrice("low", k.Low)
	if err != nil {
		return domain.Candle{}, err
	}
	closePx, err := parsePrice("close", k.Close)
	if err != nil {
		return domain.Candle{}, err
	}
	volume, err := parsePrice("volume", k.Volume)
	if err != nil {
		return domain.Candle{}, err
	}
	takerBase, err := parsePrice("taker_buy_base", k.TakerBuyBase)
	if err != nil {
		return domain.Candle{}, err
	}
	takerQuote, err := parsePrice("taker_buy_quote", k.TakerBuyQuote)
	if err != nil {
		return domain.Candle{}, err
	}

	c := domain.Candle{
		Symbol:              k.Symbol,
		Interval:            k.Interval,
		OpenTime:            k.OpenTime,
		CloseTime:           k.CloseTime,
		Open:                open,
		High:                high,
		Low:                 low,
		Close:               closePx,
		Volume:              volume,
		TradeCount:          k.TradeCount,
		TakerBuyVolume:      takerBase,
		TakerBuyQuoteVolume: takerQuote,
		IsClosed:            k.Closed,
		IngestionSource:     source,
	}
	return c, c.Validate()
}

func parsePrice(field, raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("kline %s %q: %w", field, raw, err)
	}
	return v, nil
}
