package update

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the coarse failure category driving retry and status decisions.
type Class int

const (
	// ClassTransient covers network and disk I/O failures. Retryable.
	ClassTransient Class = iota + 1
	// ClassIntegrity covers signature, digest and corrupt-delta failures.
	ClassIntegrity
	// ClassPolicy covers refusals made before any destructive action.
	ClassPolicy
	// ClassFatal covers local setup failures such as unwritable directories.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassIntegrity:
		return "integrity"
	case ClassPolicy:
		return "policy"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

var (
	ErrBusy              = errors.New("another update operation is in progress")
	ErrRollbackDetected  = errors.New("rollback detected: candidate version is not newer than installed version")
	ErrNoBackup          = errors.New("no backup available for requested version")
	ErrNoUpdate          = errors.New("no update available")
	ErrSignatureInvalid  = errors.New("package signature verification failed")
	ErrDeltaBaseMismatch = errors.New("delta base version does not match installed version")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
)

// Error is a classified failure from one manager or collaborator operation.
type Error struct {
	Class   Class
	Op      string
	Version string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Version != "" {
		b.WriteString(" ")
		b.WriteString(e.Version)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(op, version string, err error) error {
	return &Error{Class: ClassTransient, Op: op, Version: version, Err: err}
}

// Integrity wraps err as a verification failure.
func Integrity(op, version string, err error) error {
	return &Error{Class: ClassIntegrity, Op: op, Version: version, Err: err}
}

// Policy wraps err as a refusal.
func Policy(op, version string, err error) error {
	return &Error{Class: ClassPolicy, Op: op, Version: version, Err: err}
}

// Fatal wraps err as a local setup failure.
func Fatal(op string, err error) error {
	return &Error{Class: ClassFatal, Op: op, Err: err}
}

// ClassOf returns the class of the outermost classified error in err's chain.
// Unclassified errors, the signature and rollback sentinels aside, are
// treated as transient.
func ClassOf(err error) Class {
	if err == nil {
		return 0
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Class
	}
	var de *DependencyError
	if errors.As(err, &de) {
		return ClassPolicy
	}
	switch {
	case errors.Is(err, ErrSignatureInvalid), errors.Is(err, ErrChecksumMismatch), errors.Is(err, ErrDeltaBaseMismatch):
		return ClassIntegrity
	case errors.Is(err, ErrRollbackDetected), errors.Is(err, ErrBusy):
		return ClassPolicy
	}
	return ClassTransient
}

func IsTransient(err error) bool { return ClassOf(err) == ClassTransient }
func IsIntegrity(err error) bool { return ClassOf(err) == ClassIntegrity }
func IsPolicy(err error) bool    { return ClassOf(err) == ClassPolicy }

// DependencyError reports an unsatisfied dependency check.
type DependencyError struct {
	Version   string
	Missing   []Dependency
	Conflicts []Conflict
}

func (e *DependencyError) Error() string {
	parts := make([]string, 0, len(e.Missing)+len(e.Conflicts))
	for _, m := range e.Missing {
		if m.Constraint != "" {
			parts = append(parts, fmt.Sprintf("missing %s %s", m.Name, m.Constraint))
		} else {
			parts = append(parts, "missing "+m.Name)
		}
	}
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("conflicts with %s %s", c.Name, c.Installed))
	}
	return fmt.Sprintf("dependencies not satisfied for %s: %s", e.Version, strings.Join(parts, "; "))
}
