package uroflow

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrMalformedPayload     = errors.New("malformed analysis payload")
	ErrNoPayload            = errors.New("analysis has no numeric payload")
	ErrNoVideo              = errors.New("entry has no video to analyse")
	ErrRunInFlight          = errors.New("analysis run already in progress for this entry")
	ErrBusy                 = errors.New("operation already in progress")
	ErrConfirmationRequired = errors.New("deletion requires explicit confirmation")
	ErrNoSelection          = errors.New("no entry selected")
	ErrNothingToSave        = errors.New("no composed report to save")
	ErrUnknownField         = errors.New("unknown form field")
	ErrUnknownOption        = errors.New("unknown option")
	ErrMalformedDocument    = errors.New("malformed document reference")
)

// ValidationError reports a required form field that is missing.
type ValidationError struct {
	Category string
	Field    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s incomplete: %s is required", e.Category, e.Field)
}
