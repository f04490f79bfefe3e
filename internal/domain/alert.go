package domain

import "time"

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	StatusNew           AlertStatus = "NOUVEAU"
	StatusInProgress    AlertStatus = "EN_COURS"
	StatusResolvedFraud AlertStatus = "RESOLU_FRAUDE"
	StatusFalsePositive AlertStatus = "FAUX_POSITIF"
)

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	switch s {
	case StatusNew, StatusInProgress, StatusResolvedFraud, StatusFalsePositive:
		return true
	}
	return false
}

// Terminal reports whether s can never be left.
func (s AlertStatus) Terminal() bool {
	return s == StatusResolvedFraud || s == StatusFalsePositive
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to AlertStatus) bool {
	switch from {
	case StatusNew:
		return to == StatusInProgress || to == StatusResolvedFraud || to == StatusFalsePositive
	case StatusInProgress:
		return to == StatusResolvedFraud || to == StatusFalsePositive
	default:
		return false
	}
}

// Severity is the analyst-facing priority of an alert.
type Severity string

const (
	SeverityLow      Severity = "FAIBLE"
	SeverityMedium   Severity = "MOYENNE"
	SeverityCritical Severity = "CRITIQUE"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityCritical:
		return true
	}
	return false
}

// Alert tracks analyst handling of a flagged transaction.
type Alert struct {
	ID             string      `json:"id"`
	TransactionID  string      `json:"transactionId"`
	PredictionID   string      `json:"predictionId,omitempty"`
	Status         AlertStatus `json:"status"`
	Severity       Severity    `json:"severity"`
	ConfirmedFraud bool        `json:"confirmedFraud"`
	AnalystNotes   string      `json:"analystNotes"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// AuditAction classifies an entry of the alert journal.
type AuditAction string

const (
	AuditCreate         AuditAction = "CREATE"
	AuditChangeStatus   AuditAction = "CHANGE_STATUS"
	AuditAddNote        AuditAction = "ADD_NOTE"
	AuditChangeSeverity AuditAction = "CHANGE_SEVERITY"
	AuditAutoBlock      AuditAction = "AUTO_BLOCK"
)

// SystemActor is the actor recorded for automatic changes.
const SystemActor = "system_bot"

// AuditEntry is one immutable line of an alert's history.
type AuditEntry struct {
	ID            string      `json:"id"`
	AlertID       string      `json:"alertId"`
	Action        AuditAction `json:"actionType"`
	PreviousValue string      `json:"previousValue,omitempty"`
	NewValue      string      `json:"newValue,omitempty"`
	Actor         string      `json:"actor"`
	Notes         string      `json:"notes,omitempty"`
	At            time.Time   `json:"at"`
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	Status AlertStatus
	Limit  int
	Offset int
}

// StatusChange is a guarded status update.
type StatusChange struct {
	AlertID  string
	Expected AlertStatus
	Next     AlertStatus
	Actor    string
	Notes    *string
	At       time.Time

	// Audit defaults to AuditChangeStatus.
	Audit   AuditAction
	AuditID string
}
