package oracle_test

import (
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"

	"DSCLedger/internal/oracle"
)

func TestLiveFeed_UnavailableBeforeFirstObservation(t *testing.T) {
	feed := oracle.NewLiveFeed(time.Hour)

	_, err := feed.LatestPrice()
	if !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Errorf("got %v, want ErrPriceUnavailable", err)
	}
}

func TestLiveFeed_FreshPrice(t *testing.T) {
	feed := oracle.NewLiveFeed(time.Hour)
	feed.SetPrice(sdkmath.NewInt(4000_0000_0000), time.Now())

	p, err := feed.LatestPrice()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Value.Equal(sdkmath.NewInt(4000_0000_0000)) {
		t.Errorf("price: got %s", p.Value)
	}
}

func TestLiveFeed_StaleAfterTimeout(t *testing.T) {
	feed := oracle.NewLiveFeed(time.Minute)
	feed.SetPrice(sdkmath.NewInt(4000_0000_0000), time.Now().Add(-2*time.Minute))

	_, err := feed.LatestPrice()
	if !errors.Is(err, oracle.ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}
}

func TestStaticFeed_ForcedStale(t *testing.T) {
	feed := oracle.NewStaticFeed(sdkmath.NewInt(2000_0000_0000))

	if _, err := feed.LatestPrice(); err != nil {
		t.Fatalf("fresh static feed errored: %v", err)
	}

	feed.SetStale(true)
	if _, err := feed.LatestPrice(); !errors.Is(err, oracle.ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}
}
