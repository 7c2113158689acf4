package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Direction
		wantErr bool
	}{
		{"LONG", Long, false},
		{"buy", Long, false},
		{" short ", Short, false},
		{"Sell", Short, false},
		{"flat", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDirection(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDirectionSides(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Buy, Long.OpenSide())
	assert.Equal(t, Sell, Long.CloseSide())
	assert.Equal(t, Sell, Short.OpenSide())
	assert.Equal(t, Buy, Short.CloseSide())
	assert.Equal(t, -1.0, Short.Sign())
	assert.Equal(t, Short, Long.Opposite())
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry(InstrumentMeta{Symbol: "DOGE/USDT:USDT", AssetClass: Crypto, MinNotional: 1})

	assert.Equal(t, Crypto, r.Lookup("BTC/USDT:USDT").AssetClass)
	assert.Equal(t, 1.0, r.Lookup("DOGE/USDT:USDT").MinNotional)
	assert.Equal(t, Forex, r.Lookup("GBP_USD").AssetClass)
	assert.Equal(t, Indices, r.Lookup("NAS100_USD").AssetClass)
	assert.Equal(t, Commodities, r.Lookup("XAG_USD").AssetClass)
}
