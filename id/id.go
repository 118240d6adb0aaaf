// Package id defines TypeID-based identity types for all notify entities.
//
// Every entity uses a single ID struct with a prefix that identifies the
// entity type. IDs are K-sortable (UUIDv7-based), globally unique, and
// URL-safe in the format "prefix_suffix".
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all notify entity types.
const (
	PrefixJob        Prefix = "job"
	PrefixWorkflow   Prefix = "wf"
	PrefixStep       Prefix = "step"
	PrefixSubscriber Prefix = "sub"
	PrefixDetail     Prefix = "exd"
	PrefixDigest     Prefix = "dgst"
	PrefixMessage    Prefix = "msg"
	PrefixTrigger    Prefix = "trg"
	PrefixDLQ        Prefix = "dlq"
	PrefixWorker     Prefix = "wkr"
	PrefixLock       Prefix = "lk"
)

// ID is the primary identifier type for all notify entities.
// It wraps a TypeID providing a prefix-qualified, globally unique,
// sortable, URL-safe identifier in the format "prefix_suffix".
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g., "job_01h2xcejqtf2nbrexx3vqjhp41")
// into an ID. Returns an error if the string is not valid.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and validates that its prefix
// matches the expected value.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded ID values.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// ──────────────────────────────────────────────────
// Type aliases per entity
// ──────────────────────────────────────────────────

// JobID is a type-safe identifier for jobs (prefix: "job").
type JobID = ID

// WorkflowID is a type-safe identifier for workflow definitions (prefix: "wf").
type WorkflowID = ID

// StepID is a type-safe identifier for workflow steps (prefix: "step").
type StepID = ID

// SubscriberID is a type-safe identifier for subscribers (prefix: "sub").
type SubscriberID = ID

// DetailID is a type-safe identifier for execution details (prefix: "exd").
type DetailID = ID

// DigestID is a type-safe identifier for digest windows (prefix: "dgst").
type DigestID = ID

// MessageID is a type-safe identifier for rendered messages (prefix: "msg").
type MessageID = ID

// TriggerID is a type-safe identifier for trigger transactions (prefix: "trg").
type TriggerID = ID

// DLQID is a type-safe identifier for dead letter entries (prefix: "dlq").
type DLQID = ID

// WorkerID is a type-safe identifier for workers (prefix: "wkr").
type WorkerID = ID

// ──────────────────────────────────────────────────
// Convenience constructors
// ──────────────────────────────────────────────────

// NewJobID generates a new unique job ID.
func NewJobID() ID { return New(PrefixJob) }

// NewWorkflowID generates a new unique workflow ID.
func NewWorkflowID() ID { return New(PrefixWorkflow) }

// NewStepID generates a new unique step ID.
func NewStepID() ID { return New(PrefixStep) }

// NewSubscriberID generates a new unique subscriber ID.
func NewSubscriberID() ID { return New(PrefixSubscriber) }

// NewDetailID generates a new unique execution detail ID.
func NewDetailID() ID { return New(PrefixDetail) }

// NewDigestID generates a new unique digest window ID.
func NewDigestID() ID { return New(PrefixDigest) }

// NewMessageID generates a new unique message ID.
func NewMessageID() ID { return New(PrefixMessage) }

// NewTriggerID generates a new unique trigger transaction ID.
func NewTriggerID() ID { return New(PrefixTrigger) }

// NewDLQID generates a new unique DLQ ID.
func NewDLQID() ID { return New(PrefixDLQ) }

// NewWorkerID generates a new unique worker ID.
func NewWorkerID() ID { return New(PrefixWorker) }

// ──────────────────────────────────────────────────
// Convenience parsers
// ──────────────────────────────────────────────────

// ParseJobID parses a string and validates the "job" prefix.
func ParseJobID(s string) (ID, error) { return ParseWithPrefix(s, PrefixJob) }

// ParseWorkflowID parses a string and validates the "wf" prefix.
func ParseWorkflowID(s string) (ID, error) { return ParseWithPrefix(s, PrefixWorkflow) }

// ParseStepID parses a string and validates the "step" prefix.
func ParseStepID(s string) (ID, error) { return ParseWithPrefix(s, PrefixStep) }

// ParseSubscriberID parses a string and validates the "sub" prefix.
func ParseSubscriberID(s string) (ID, error) { return ParseWithPrefix(s, PrefixSubscriber) }

// ParseDetailID parses a string and validates the "exd" prefix.
func ParseDetailID(s string) (ID, error) { return ParseWithPrefix(s, PrefixDetail) }

// ParseDigestID parses a string and validates the "dgst" prefix.
func ParseDigestID(s string) (ID, error) { return ParseWithPrefix(s, PrefixDigest) }

// ParseTriggerID parses a string and validates the "trg" prefix.
func ParseTriggerID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTrigger) }

// ParseDLQID parses a string and validates the "dlq" prefix.
func ParseDLQID(s string) (ID, error) { return ParseWithPrefix(s, PrefixDLQ) }

// ParseWorkerID parses a string and validates the "wkr" prefix.
func ParseWorkerID(s string) (ID, error) { return ParseWithPrefix(s, PrefixWorker) }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns the full TypeID string representation (prefix_suffix).
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer for database storage.
// Returns nil for the Nil ID so that optional foreign key columns store NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil

		return nil
	}

	switch v := src.(type) {
	case string:
		if v == "" {
			*i = Nil

			return nil
		}

		return i.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 0 {
			*i = Nil

			return nil
		}

		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
