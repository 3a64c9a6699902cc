package nvcfg

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrAlreadyAttached = errors.New("cell already attached")
	ErrFull            = errors.New("registry full")
	ErrNotAttached     = errors.New("cell not attached")
	ErrRecordTooLarge  = errors.New("record does not fit into a page")
	ErrStopped         = errors.New("worker stopped")

	ErrMalformed      = errors.New("malformed value")
	ErrSchemaMismatch = errors.New("schema version mismatch")
	ErrNewerSchema    = errors.New("value written by a newer schema")
)

// CellError describes a failure of a particular cell.
type CellError struct {
	Path string
	Key  Key
	Msg  string
	Err  error
}

func cellErrf(path string, key Key, err error, format string, args ...any) error {
	return &CellError{path, key, fmt.Sprintf(format, args...), err}
}

func (e *CellError) Unwrap() error {
	return e.Err
}

func (e *CellError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Path)
	buf.WriteString(" [")
	buf.WriteString(e.Key.String())
	buf.WriteByte(']')
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

type DecodeErrorKind int

const (
	Malformed DecodeErrorKind = iota
	SchemaMismatch
	NewerSchema
)

func (k DecodeErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case SchemaMismatch:
		return "schema mismatch"
	case NewerSchema:
		return "newer schema"
	default:
		return fmt.Sprintf("DecodeErrorKind(%d)", int(k))
	}
}

// DecodeError is returned by codecs for bytes they cannot turn into a value.
// errors.Is matches ErrMalformed, ErrSchemaMismatch or ErrNewerSchema
// depending on Kind; ErrNewerSchema also matches ErrSchemaMismatch.
type DecodeError struct {
	Kind      DecodeErrorKind
	Data      []byte
	SchemaVer uint64
	Msg       string
	Err       error
}

func decodeErrf(kind DecodeErrorKind, data []byte, err error, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Data: data, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrMalformed:
		return e.Kind == Malformed
	case ErrSchemaMismatch:
		return e.Kind == SchemaMismatch || e.Kind == NewerSchema
	case ErrNewerSchema:
		return e.Kind == NewerSchema
	default:
		return false
	}
}

func (e *DecodeError) Error() string {
	const prefixLen = 32
	n := len(e.Data)
	var buf strings.Builder
	buf.WriteString(e.Kind.String())
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	if n <= prefixLen {
		fmt.Fprintf(&buf, ": (%d) %x", n, e.Data)
	} else {
		fmt.Fprintf(&buf, ": (%d) %x...", n, e.Data[:prefixLen])
	}
	return buf.String()
}

// IsNewerSchema reports whether err says the stored bytes were written by a
// newer schema than the running code understands.
func IsNewerSchema(err error) bool {
	return errors.Is(err, ErrNewerSchema)
}

// BackendError wraps I/O failures of the storage backend.
type BackendError struct {
	Op  string
	Err error
}

func backendErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{op, err}
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func (e *BackendError) Error() string {
	return "backend " + e.Op + ": " + e.Err.Error()
}

// FlushError reports that a batch containing the cell failed to persist.
// Persistent is set once automatic retries are exhausted.
type FlushError struct {
	Attempts   int
	Persistent bool
	Err        error
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

func (e *FlushError) Error() string {
	if e.Persistent {
		return fmt.Sprintf("flush failed after %d attempts, giving up: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("flush failed (attempt %d): %v", e.Attempts, e.Err)
}
