package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_SeriesFixtures(t *testing.T) {
	for _, raw := range []string{"RELIANCE", "RELIANCE-EQ", "reliance_eq", "RELIANCE/EQ"} {
		assert.Equal(t, "RELIANCEEQ", Normalize(raw), "raw=%q", raw)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"RELIANCE", "RELIANCE-EQ", "reliance_eq", "btc-usdt", "BTCUSDT",
		"NSE:RELIANCE", "", " aapl ", "weird//sym__bol",
	}
	for _, raw := range inputs {
		once := Normalize(raw)
		assert.Equal(t, once, Normalize(once), "raw=%q", raw)
	}
}

func TestNormalize_UnrecognizedInputPassesThrough(t *testing.T) {
	assert.Equal(t, "BTCUSDT", Normalize("btc-usdt"))
	assert.Equal(t, "AAPL", Normalize(" aapl "))
	assert.Equal(t, "", Normalize(""))
}

func TestNormalize_DoesNotStripVenuePrefix(t *testing.T) {
	// Venue stripping is the caller's job; the colon survives Normalize.
	assert.NotEqual(t, Normalize("RELIANCE"), Normalize("NSE:RELIANCE"))
}

func TestSplitVenue(t *testing.T) {
	venue, sym := SplitVenue("NSE:RELIANCE")
	assert.Equal(t, "NSE", venue)
	assert.Equal(t, "RELIANCE", sym)

	venue, sym = SplitVenue("RELIANCE")
	assert.Equal(t, "", venue)
	assert.Equal(t, "RELIANCE", sym)

	venue, sym = SplitVenue("nse:RELIANCE-EQ")
	assert.Equal(t, "NSE", venue)
	assert.Equal(t, "RELIANCEEQ", Normalize(sym))
}
