package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// AutoBlockMode selects what auto_block_active means for HIGH-tier transactions.
type AutoBlockMode string

const (
	// AutoBlockPropose emits BLOCK as a proposal awaiting analyst approval.
	AutoBlockPropose AutoBlockMode = "PROPOSE"

	// AutoBlockEnforce blocks instantly and resolves the alert as confirmed fraud.
	AutoBlockEnforce AutoBlockMode = "ENFORCE"
)

// Valid reports whether m is a known mode.
func (m AutoBlockMode) Valid() bool {
	switch m {
	case AutoBlockPropose, AutoBlockEnforce:
		return true
	}
	return false
}

// Bounds for max_anomalies.
const (
	MinAnomalies = 1
	MaxAnomalies = 10
)

// RuleConfig is one immutable, validated version of the business-rule parameters.
// Values are never mutated after publication; writers build a new RuleConfig.
type RuleConfig struct {
	FraudThresholdHigh   float64       `json:"fraud_threshold_high"`
	FraudThresholdMedium float64       `json:"fraud_threshold_medium"`
	MinAmountAlert       float64       `json:"min_amount_alert"`
	SensitiveCountries   []string      `json:"sensitive_countries"`
	MaxAnomalies         int           `json:"max_anomalies"`
	AutoBlockActive      bool          `json:"auto_block_active"`
	AutoBlockMode        AutoBlockMode `json:"auto_block_mode"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// DefaultRuleConfig returns version 0 of the rule parameters.
func DefaultRuleConfig() *RuleConfig {
	return &RuleConfig{
		FraudThresholdHigh:   0.70,
		FraudThresholdMedium: 0.50,
		MinAmountAlert:       100,
		SensitiveCountries:   []string{"IR", "KP", "NG", "RU"},
		MaxAnomalies:         3,
		AutoBlockActive:      false,
		AutoBlockMode:        AutoBlockPropose,
	}
}

// RuleConfigPatch is a partial update. Nil fields keep the current value.
type RuleConfigPatch struct {
	FraudThresholdHigh   *float64       `json:"fraud_threshold_high,omitempty"`
	FraudThresholdMedium *float64       `json:"fraud_threshold_medium,omitempty"`
	MinAmountAlert       *float64       `json:"min_amount_alert,omitempty"`
	SensitiveCountries   *[]string      `json:"sensitive_countries,omitempty"`
	MaxAnomalies         *int           `json:"max_anomalies,omitempty"`
	AutoBlockActive      *bool          `json:"auto_block_active,omitempty"`
	AutoBlockMode        *AutoBlockMode `json:"auto_block_mode,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p *RuleConfigPatch) Empty() bool {
	return p.FraudThresholdHigh == nil && p.FraudThresholdMedium == nil &&
		p.MinAmountAlert == nil && p.SensitiveCountries == nil &&
		p.MaxAnomalies == nil && p.AutoBlockActive == nil && p.AutoBlockMode == nil
}

// Apply returns a copy of c with the patch merged in. c is left untouched.
func (c *RuleConfig) Apply(p *RuleConfigPatch) *RuleConfig {
	next := c.Clone()
	if p == nil {
		return next
	}
	if p.FraudThresholdHigh != nil {
		next.FraudThresholdHigh = *p.FraudThresholdHigh
	}
	if p.FraudThresholdMedium != nil {
		next.FraudThresholdMedium = *p.FraudThresholdMedium
	}
	if p.MinAmountAlert != nil {
		next.MinAmountAlert = *p.MinAmountAlert
	}
	if p.SensitiveCountries != nil {
		next.SensitiveCountries = slices.Clone(*p.SensitiveCountries)
	}
	if p.MaxAnomalies != nil {
		next.MaxAnomalies = *p.MaxAnomalies
	}
	if p.AutoBlockActive != nil {
		next.AutoBlockActive = *p.AutoBlockActive
	}
	if p.AutoBlockMode != nil {
		next.AutoBlockMode = *p.AutoBlockMode
	}
	return next
}

// Clone returns a deep copy.
func (c *RuleConfig) Clone() *RuleConfig {
	cp := *c
	cp.SensitiveCountries = slices.Clone(c.SensitiveCountries)
	return &cp
}

// Normalize upper-cases, de-duplicates and sorts the country set and fills the default mode.
func (c *RuleConfig) Normalize() {
	countries := make([]string, 0, len(c.SensitiveCountries))
	for _, code := range c.SensitiveCountries {
		countries = append(countries, strings.ToUpper(strings.TrimSpace(code)))
	}
	slices.Sort(countries)
	c.SensitiveCountries = slices.Compact(countries)

	if c.AutoBlockMode == "" {
		c.AutoBlockMode = AutoBlockPropose
	}
}

// Validate checks every constraint and reports all violations at once.
func (c *RuleConfig) Validate() error {
	var fields []FieldError

	if c.FraudThresholdHigh < 0 || c.FraudThresholdHigh > 1 {
		fields = append(fields, FieldError{Field: "fraud_threshold_high", Message: "must be within [0,1]"})
	}
	if c.FraudThresholdMedium < 0 || c.FraudThresholdMedium > 1 {
		fields = append(fields, FieldError{Field: "fraud_threshold_medium", Message: "must be within [0,1]"})
	}
	if c.FraudThresholdMedium >= c.FraudThresholdHigh {
		fields = append(fields, FieldError{Field: "fraud_threshold_medium", Message: "must be lower than fraud_threshold_high"})
	}
	if c.MinAmountAlert < 0 {
		fields = append(fields, FieldError{Field: "min_amount_alert", Message: "must not be negative"})
	}
	if c.MaxAnomalies < MinAnomalies || c.MaxAnomalies > MaxAnomalies {
		fields = append(fields, FieldError{Field: "max_anomalies", Message: fmt.Sprintf("must be within [%d,%d]", MinAnomalies, MaxAnomalies)})
	}
	for _, code := range c.SensitiveCountries {
		if !isCountryCode(code) {
			fields = append(fields, FieldError{Field: "sensitive_countries", Message: fmt.Sprintf("%q is not an ISO-3166 alpha-2 code", code)})
		}
	}
	if !c.AutoBlockMode.Valid() {
		fields = append(fields, FieldError{Field: "auto_block_mode", Message: fmt.Sprintf("unknown mode %q", c.AutoBlockMode)})
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// IsSensitiveCountry reports whether code is in the configured high-risk set.
func (c *RuleConfig) IsSensitiveCountry(code string) bool {
	if code == "" {
		return false
	}
	_, found := slices.BinarySearch(c.SensitiveCountries, strings.ToUpper(code))
	return found
}
