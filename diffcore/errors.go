package diffcore

import "fmt"

// ConfigError signals a caller mistake discoverable before any query runs:
// invalid URI, missing table, unknown algorithm, conflicting flags.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config error: " + e.Msg }

// SchemaError is raised by the Schema Binder before any
// checksum or row-fetch work is issued.
type SchemaError struct {
	Kind string // "UnknownColumn" | "TypeMismatch" | "UnsupportedComparedType"
	Msg  string
}

func (e *SchemaError) Error() string { return fmt.Sprintf("schema error (%s): %s", e.Kind, e.Msg) }

// DuplicateKeyError is raised by the JoinDiff Orchestrator's uniqueness
// preamble when assume_unique_key is false and a side has duplicate keys.
type DuplicateKeyError struct {
	Side  string
	Count int64
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key error: %s side has duplicate keys (%d extra rows)", e.Side, e.Count)
}

// BackendError wraps an adapter-level failure. Transient errors are
// retried once by the Checksum Executor before being promoted to Fatal.
type BackendError struct {
	Segment   string
	Transient bool
	Err       error
}

func (e *BackendError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("backend error (%s) on segment %s: %v", kind, e.Segment, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// LimitReachedError is an internal cancellation signal, never surfaced to
// the caller as a failure — the CLI maps it to exit code 1 ("diffs found").
type LimitReachedError struct{}

func (e *LimitReachedError) Error() string { return "diff limit reached" }
