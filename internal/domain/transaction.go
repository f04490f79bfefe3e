package domain

import (
	"fmt"
	"strings"
	"time"
)

// Transaction represents an ingested payment to be scored.
// It is immutable once ingested and owned by the ingestion collaborator.
type Transaction struct {
	ID             string       `json:"id"`
	Amount         float64      `json:"amount"`
	Currency       string       `json:"currency"`
	ExternalUserID string       `json:"externalUserId"`
	Merchant       MerchantInfo `json:"merchantInfo"`
	IPAddress      string       `json:"ipAddress"`

	// IPCountry is the ISO-3166 alpha-2 country resolved for IPAddress.
	// Persisted with the transaction so replays never re-resolve it.
	IPCountry string `json:"ipCountry,omitempty"`

	DeviceID  string    `json:"deviceId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// MerchantInfo describes the merchant side of a transaction.
type MerchantInfo struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// ModelPrediction is the raw output of the ML collaborator for one transaction.
type ModelPrediction struct {
	TransactionID    string         `json:"transactionId"`
	Score            float64        `json:"score"`
	ModelVersion     string         `json:"modelVersion"`
	FeaturesSnapshot map[string]any `json:"featuresSnapshot,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// ScoredTransaction is the payload the ML collaborator hands to the core.
type ScoredTransaction struct {
	Transaction      Transaction    `json:"transaction"`
	RawScore         float64        `json:"rawScore"`
	ModelVersion     string         `json:"modelVersion"`
	FeaturesSnapshot map[string]any `json:"featuresSnapshot,omitempty"`
}

// Validate rejects malformed input before any state is touched.
func (s *ScoredTransaction) Validate() error {
	var fields []FieldError

	tx := s.Transaction
	if strings.TrimSpace(tx.ID) == "" {
		fields = append(fields, FieldError{Field: "transaction.id", Message: "is required"})
	}
	if strings.TrimSpace(tx.ExternalUserID) == "" {
		fields = append(fields, FieldError{Field: "transaction.externalUserId", Message: "is required"})
	}
	if tx.Amount < 0 {
		fields = append(fields, FieldError{Field: "transaction.amount", Message: "must not be negative"})
	}
	if tx.IPCountry != "" && !isCountryCode(tx.IPCountry) {
		fields = append(fields, FieldError{Field: "transaction.ipCountry", Message: fmt.Sprintf("%q is not an ISO-3166 alpha-2 code", tx.IPCountry)})
	}
	if s.RawScore < 0 || s.RawScore > 1 {
		fields = append(fields, FieldError{Field: "rawScore", Message: "must be within [0,1]"})
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Prediction builds the ModelPrediction record for this payload.
func (s *ScoredTransaction) Prediction(now time.Time) *ModelPrediction {
	return &ModelPrediction{
		TransactionID:    s.Transaction.ID,
		Score:            s.RawScore,
		ModelVersion:     s.ModelVersion,
		FeaturesSnapshot: s.FeaturesSnapshot,
		CreatedAt:        now,
	}
}

func isCountryCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	for _, c := range code {
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}
