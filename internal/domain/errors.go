package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Typed errors below unwrap to these so callers can use errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrConflict            = errors.New("conflicting update")
	ErrNotFound            = errors.New("record not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrAlreadyExists       = errors.New("record already exists")
)

// FieldError names one violated constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when a config write or an input payload is rejected.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" "+f.Message)
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError is returned when an optimistic update lost the race.
type ConflictError struct {
	AlertID  string      `json:"alertId"`
	Expected AlertStatus `json:"expected"`
	Actual   AlertStatus `json:"actual"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: alert %s expected status %s, found %s", ErrConflict, e.AlertID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InvalidTransitionError is returned for transitions the alert state machine forbids.
type InvalidTransitionError struct {
	AlertID string      `json:"alertId"`
	From    AlertStatus `json:"from"`
	To      AlertStatus `json:"to"`
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: alert %s cannot move from %s to %s", ErrInvalidTransition, e.AlertID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// Unavailable wraps a collaborator failure as ErrUpstreamUnavailable while keeping the cause.
func Unavailable(op string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, op, cause)
}

// NotFound builds an ErrNotFound for the given kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}
