// Package wsprerr re-exports github.com/cockroachdb/errors and defines the
// failure taxonomy every loop iteration classifies errors into (spec.md §7):
// FatalConfig, FatalEnvironment, Transient (network), TransientResource,
// Permanent, DataDefect and Poisonous. Call sites mark an error with one of the Mark*
// helpers at the point it's first produced; callers up the stack classify it
// with Is, never by matching strings.
package wsprerr

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithHint     = crdb.WithHint
	WithDetail   = crdb.WithDetail
	Is           = crdb.Is
	As           = crdb.As
	Mark         = crdb.Mark
	Unwrap       = crdb.Unwrap
)

// Sentinel markers. Every classified error is produced via Mark(err, sentinel)
// so that errors.Is(err, Transient) works regardless of how deep the error
// has been wrapped.
var (
	// FatalConfig: missing credentials, unreadable/unparseable config. Log and exit nonzero.
	FatalConfig = crdb.New("fatal: configuration error")
	// FatalEnvironment: spool dirs missing, destinations cross-filesystem. Log and exit nonzero at startup.
	FatalEnvironment = crdb.New("fatal: environment error")
	// Transient: database unreachable, aggregator 5xx, transfer subprocess connection failure. Retry with backoff.
	Transient = crdb.New("transient error")
	// TransientResource: disk full, memory pressure. Pause and back off, resume when free.
	TransientResource = crdb.New("transient resource pressure")
	// Permanent: schema mismatch, type coercion failure, authentication. Surfaces immediately, no retry.
	Permanent = crdb.New("permanent error")
	// DataDefect: unparseable line, wrong column count, bad grid string. Count, sample-log, skip.
	DataDefect = crdb.New("data defect")
	// Poisonous: archive that repeatedly fails extraction. Quarantine after bounded retries.
	Poisonous = crdb.New("poisonous input")
)

// MarkTransient tags err as Transient (network) for retry-with-backoff handling.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return crdb.Mark(err, Transient)
}

// MarkPermanent tags err as a Permanent failure that must not be retried.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return crdb.Mark(err, Permanent)
}

// MarkFatalConfig tags err as FatalConfig; the caller should log and exit nonzero.
func MarkFatalConfig(err error) error {
	if err == nil {
		return nil
	}
	return crdb.Mark(err, FatalConfig)
}

// MarkFatalEnvironment tags err as FatalEnvironment.
func MarkFatalEnvironment(err error) error {
	if err == nil {
		return nil
	}
	return crdb.Mark(err, FatalEnvironment)
}

// MarkDataDefect tags err as a DataDefect: count it, sample-log it, skip the record.
func MarkDataDefect(err error) error {
	if err == nil {
		return nil
	}
	return crdb.Mark(err, DataDefect)
}

// MarkPoisonous tags err as Poisonous: quarantine the input after bounded retries.
func MarkPoisonous(err error) error {
	if err == nil {
		return nil
	}
	return crdb.Mark(err, Poisonous)
}

// IsTransient reports whether err (or anything it wraps) is a transient failure.
func IsTransient(err error) bool {
	return crdb.Is(err, Transient) || crdb.Is(err, TransientResource)
}

// IsFatal reports whether err should terminate the process.
func IsFatal(err error) bool {
	return crdb.Is(err, FatalConfig) || crdb.Is(err, FatalEnvironment)
}
