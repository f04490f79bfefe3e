package domain

import "time"

// RiskTier is the risk classification derived from the adjusted score.
type RiskTier string

const (
	TierLow    RiskTier = "LOW"
	TierMedium RiskTier = "MEDIUM"
	TierHigh   RiskTier = "HIGH"
)

// Valid reports whether t is a known tier.
func (t RiskTier) Valid() bool {
	switch t {
	case TierLow, TierMedium, TierHigh:
		return true
	}
	return false
}

// Anomalous reports whether the tier counts toward anomaly escalation.
func (t RiskTier) Anomalous() bool {
	return t == TierMedium || t == TierHigh
}

// Action is the recommended or executed disposition of a transaction.
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionReview Action = "REVIEW"
	ActionBlock  Action = "BLOCK"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionReview, ActionBlock:
		return true
	}
	return false
}

// Flagged reports whether the action requires an alert.
func (a Action) Flagged() bool {
	return a == ActionReview || a == ActionBlock
}

// BlockMode qualifies a BLOCK action.
type BlockMode string

const (
	// BlockNone is used for ALLOW and REVIEW.
	BlockNone BlockMode = ""

	// BlockProposed awaits analyst approval.
	BlockProposed BlockMode = "PROPOSED"

	// BlockEnforced is applied immediately.
	BlockEnforced BlockMode = "ENFORCED"
)

// Reasons recorded by the adjuster, the tracker and the ban list.
const (
	ReasonSensitiveCountry  = "sensitive_country"
	ReasonLowAmount         = "low_amount"
	ReasonElectronics       = "electronics_category"
	ReasonAmountOver8000    = "amount_over_8000"
	ReasonAmountOver2000    = "amount_over_2000"
	ReasonClamped           = "clamped"
	ReasonAnomalyEscalation = "anomaly_escalation"
	ReasonBannedIP          = "banned_ip"
	ReasonBannedUser        = "banned_user"
)

// Decision is the outcome of evaluating one scored transaction.
// It is persisted once per transaction and returned unchanged on re-evaluation.
type Decision struct {
	TransactionID string    `json:"transactionId"`
	Action        Action    `json:"action"`
	Tier          RiskTier  `json:"tier"`
	BlockMode     BlockMode `json:"blockMode,omitempty"`

	// AdjustedScore is an exact decimal string so replays compare byte for byte.
	AdjustedScore string   `json:"adjustedScore"`
	RawScore      float64  `json:"rawScore"`
	Reasons       []string `json:"reasons"`
	Escalated     bool     `json:"escalated"`

	ConfigVersion int64  `json:"configVersion"`
	AlertID       string `json:"alertId,omitempty"`

	// Degraded is set when the decision was produced fail-closed.
	Degraded  bool      `json:"degraded,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`
}

// Severity maps a decision onto the alert severity an analyst sees first.
func (d *Decision) Severity() Severity {
	switch {
	case d.Tier == TierHigh || d.Action == ActionBlock:
		return SeverityCritical
	case d.Tier == TierMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ReplayResult compares a stored decision with a fresh recomputation.
type ReplayResult struct {
	Stored     *Decision `json:"stored"`
	Recomputed *Decision `json:"recomputed"`
	Match      bool      `json:"match"`
}

// BanEntityType is the kind of value held in the ban list.
type BanEntityType string

const (
	BanIP   BanEntityType = "ip"
	BanUser BanEntityType = "user"
)

// Valid reports whether t is a known entity type.
func (t BanEntityType) Valid() bool {
	return t == BanIP || t == BanUser
}

// BanEntry is one hashed entity in the ban list. The raw value is never stored.
type BanEntry struct {
	EntityHash string        `json:"entityHash"`
	EntityType BanEntityType `json:"entityType"`
	Reason     string        `json:"reason,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
}
