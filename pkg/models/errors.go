package models

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionError means the provider session was unreachable or could not be acquired
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ValidationRejection is a fetched record that failed admission
type ValidationRejection struct {
	Table  string
	Symbol string
	Date   time.Time
	Reason string
}

func (e *ValidationRejection) Error() string {
	return fmt.Sprintf("rejected %s record %s@%s: %s", e.Table, e.Symbol, FormatDate(e.Date), e.Reason)
}

// TransactionError is a failed write; the transaction was rolled back
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed during %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// BatchFetchError is a failed bulk fetch covering many symbols
type BatchFetchError struct {
	Job     string
	Symbols int
	Err     error
}

func (e *BatchFetchError) Error() string {
	return fmt.Sprintf("bulk fetch for %s (%d symbols) failed: %v", e.Job, e.Symbols, e.Err)
}

func (e *BatchFetchError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err carries a ConnectionError
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsTransactionError reports whether err carries a TransactionError
func IsTransactionError(err error) bool {
	var te *TransactionError
	return errors.As(err, &te)
}
