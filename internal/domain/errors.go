package domain

import (
	"errors"
	"fmt"
)

// Validation errors. Always caller-correctable, never retried and never persisted.
var (
	ErrInvalidInterval              = errors.New("invalid funding interval")
	ErrInvalidLeverage              = errors.New("invalid leverage")
	ErrInvalidMaintenanceMarginRate = errors.New("invalid maintenance margin rate")
	ErrInvalidHedgeConfiguration    = errors.New("invalid hedge configuration")
	ErrInvalidPrice                 = errors.New("invalid price")
	ErrInvalidQuantity              = errors.New("invalid quantity")
)

// Lifecycle errors.
var (
	ErrPairNotFound      = errors.New("position pair not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotCancellable    = errors.New("pair cannot be cancelled once orders were submitted")
)

// Stage identifies the state-machine step an exchange failure belongs to.
type Stage string

const (
	StageNone               Stage = ""
	StagePrimaryOpenFailed  Stage = "PRIMARY_OPEN_FAILED"
	StageHedgeOpenFailed    Stage = "HEDGE_OPEN_FAILED"
	StagePrimaryCloseFailed Stage = "PRIMARY_CLOSE_FAILED"
	StageHedgeCloseFailed   Stage = "HEDGE_CLOSE_FAILED"
	StageMonitoringFailed   Stage = "MONITORING_FAILED"
	StageReconcileFailed    Stage = "RECONCILE_FAILED"
	StageOperatorAborted    Stage = "OPERATOR_ABORTED"
)

// ExchangeError is the single failure shape surfaced by exchange gateways.
// The engine only distinguishes success from failure; Message is kept raw for audit.
type ExchangeError struct {
	Exchange string
	Op       string
	Message  string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Exchange, e.Op, e.Message)
}

// StageError ties an exchange failure to the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the stage carried by err, or StageNone.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return StageNone
}
