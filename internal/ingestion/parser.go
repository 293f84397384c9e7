package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"

	"DSCLedger/internal/fpmath"
)

// PriceUpdate is a validated inbound price observation. Price carries
// 8 decimal places, matching the feed precision the engine expects.
type PriceUpdate struct {
	Asset      string
	Price      sdkmath.Int
	ObservedAt time.Time
}

// Wire format for price payloads. Prices are decimal strings so that
// values never pass through a float.
type priceUpdateJSON struct {
	Asset       string `json:"asset"`
	Price       string `json:"price"`
	TimestampUS int64  `json:"timestamp_us"`
}

// ParsePriceUpdate validates and converts a raw price payload.
func ParsePriceUpdate(data []byte) (PriceUpdate, error) {
	var raw priceUpdateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return PriceUpdate{}, fmt.Errorf("unmarshal price update: %w", err)
	}

	if raw.Asset == "" {
		return PriceUpdate{}, fmt.Errorf("price update: missing asset")
	}

	price, ok := sdkmath.NewIntFromString(raw.Price)
	if !ok {
		return PriceUpdate{}, fmt.Errorf("price update %s: invalid price %q", raw.Asset, raw.Price)
	}
	if !price.IsPositive() {
		return PriceUpdate{}, fmt.Errorf("price update %s: non-positive price %s", raw.Asset, price)
	}
	if price.GT(fpmath.MaxFeedPrice) {
		return PriceUpdate{}, fmt.Errorf("price update %s: price %s above maximum", raw.Asset, price)
	}

	if raw.TimestampUS <= 0 {
		return PriceUpdate{}, fmt.Errorf("price update %s: missing timestamp_us", raw.Asset)
	}
	observedAt := time.UnixMicro(raw.TimestampUS).UTC()

	return PriceUpdate{
		Asset:      raw.Asset,
		Price:      price,
		ObservedAt: observedAt,
	}, nil
}
