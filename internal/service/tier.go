package service

import (
	"github.com/shopspring/decimal"
)

type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// TierBenefits 等级权益，纯数据
type TierBenefits struct {
	FreeShipping       bool  `json:"free_shipping"`
	EarlyAccess        bool  `json:"early_access"`
	BirthdayBonusPoint int64 `json:"birthday_bonus_points"`
}

// TierDefinition 等级定义：[MinEarned, 下一级 MinEarned)
type TierDefinition struct {
	Tier             Tier            `json:"tier"`
	MinEarned        int64           `json:"min_earned"`
	PointsMultiplier decimal.Decimal `json:"points_multiplier"`
	Benefits         TierBenefits    `json:"benefits"`
}

// tierTable 按门槛升序
var tierTable = []TierDefinition{
	{
		Tier:             TierBronze,
		MinEarned:        0,
		PointsMultiplier: decimal.NewFromInt(1),
		Benefits:         TierBenefits{},
	},
	{
		Tier:             TierSilver,
		MinEarned:        1000,
		PointsMultiplier: decimal.RequireFromString("1.25"),
		Benefits:         TierBenefits{BirthdayBonusPoint: 100},
	},
	{
		Tier:             TierGold,
		MinEarned:        5000,
		PointsMultiplier: decimal.RequireFromString("1.5"),
		Benefits:         TierBenefits{FreeShipping: true, BirthdayBonusPoint: 250},
	},
	{
		Tier:             TierPlatinum,
		MinEarned:        10000,
		PointsMultiplier: decimal.NewFromInt(2),
		Benefits:         TierBenefits{FreeShipping: true, EarlyAccess: true, BirthdayBonusPoint: 500},
	},
}

// TierFor 根据累计获得积分计算等级，取不超过 totalEarned 的最高门槛
func TierFor(totalEarned int64) TierDefinition {
	current := tierTable[0]
	for _, def := range tierTable[1:] {
		if totalEarned < def.MinEarned {
			break
		}
		current = def
	}
	return current
}

// TierDefinitionOf 按等级名查定义，未知等级按 bronze 处理
func TierDefinitionOf(t Tier) TierDefinition {
	for _, def := range tierTable {
		if def.Tier == t {
			return def
		}
	}
	return tierTable[0]
}

// Tiers 返回等级表副本
func Tiers() []TierDefinition {
	out := make([]TierDefinition, len(tierTable))
	copy(out, tierTable)
	return out
}

// EarnedPoints 订单完成后应得积分 = floor(消费金额 × 每元积分 × 等级倍率)
func EarnedPoints(amountSpent decimal.Decimal, pointsPerUnit int64, tier Tier) int64 {
	if amountSpent.Sign() <= 0 || pointsPerUnit <= 0 {
		return 0
	}
	def := TierDefinitionOf(tier)
	return amountSpent.
		Mul(decimal.NewFromInt(pointsPerUnit)).
		Mul(def.PointsMultiplier).
		Floor().
		IntPart()
}
