package rules

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Classification is the classifier output.
type Classification struct {
	Tier      domain.RiskTier  `json:"tier"`
	Action    domain.Action    `json:"action"`
	BlockMode domain.BlockMode `json:"blockMode,omitempty"`
}

// Classify maps an adjusted score onto a tier and action. Ties resolve to the
// stricter tier.
func Classify(score decimal.Decimal, cfg *domain.RuleConfig) Classification {
	high := decimal.NewFromFloat(cfg.FraudThresholdHigh)
	medium := decimal.NewFromFloat(cfg.FraudThresholdMedium)

	switch {
	case score.GreaterThanOrEqual(high):
		if cfg.AutoBlockActive {
			return Classification{Tier: domain.TierHigh, Action: domain.ActionBlock, BlockMode: BlockModeFor(cfg)}
		}
		return Classification{Tier: domain.TierHigh, Action: domain.ActionReview}
	case score.GreaterThanOrEqual(medium):
		return Classification{Tier: domain.TierMedium, Action: domain.ActionReview}
	default:
		return Classification{Tier: domain.TierLow, Action: domain.ActionAllow}
	}
}

// Escalate forces a BLOCK while keeping the tier the score earned.
func Escalate(c Classification, cfg *domain.RuleConfig) Classification {
	return Classification{Tier: c.Tier, Action: domain.ActionBlock, BlockMode: BlockModeFor(cfg)}
}

// BlockModeFor returns ENFORCED only when auto-block is on in ENFORCE mode.
func BlockModeFor(cfg *domain.RuleConfig) domain.BlockMode {
	if cfg.AutoBlockActive && cfg.AutoBlockMode == domain.AutoBlockEnforce {
		return domain.BlockEnforced
	}
	return domain.BlockProposed
}
