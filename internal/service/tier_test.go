package service

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTierFor_Boundaries(t *testing.T) {
	tests := []struct {
		earned int64
		want   Tier
	}{
		{0, TierBronze},
		{999, TierBronze},
		{1000, TierSilver},
		{4999, TierSilver},
		{5000, TierGold},
		{9999, TierGold},
		{10000, TierPlatinum},
		{1000000, TierPlatinum},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierFor(tt.earned).Tier, "earned=%d", tt.earned)
	}
}

func TestEarnedPoints_FloorsFractions(t *testing.T) {
	assert.Equal(t, int64(10), EarnedPoints(decimal.RequireFromString("10.99"), 1, TierBronze))
	assert.Equal(t, int64(13), EarnedPoints(decimal.RequireFromString("10.99"), 1, TierSilver))
	assert.Equal(t, int64(16), EarnedPoints(decimal.RequireFromString("10.99"), 1, TierGold))
	assert.Equal(t, int64(21), EarnedPoints(decimal.RequireFromString("10.99"), 1, TierPlatinum))
	assert.Equal(t, int64(0), EarnedPoints(decimal.NewFromInt(-5), 1, TierGold))
	assert.Equal(t, int64(0), EarnedPoints(decimal.NewFromInt(5), 0, TierGold))
}

func TestTiers_ReturnsCopy(t *testing.T) {
	list := Tiers()
	list[0].MinEarned = 42
	assert.Equal(t, int64(0), TierFor(0).MinEarned)
	assert.Len(t, Tiers(), 4)
	assert.Equal(t, TierBronze, TierDefinitionOf("unknown").Tier)
}
