package errors

import "errors"

// Path safety errors. Items that trip these are skipped, never fatal.
var (
	ErrPathTraversal   = errors.New("path escapes sync root")
	ErrSymlinkDetected = errors.New("symlink in sync path")
)

// Remote API errors.
var (
	ErrNotFound         = errors.New("item not found")
	ErrTransientNetwork = errors.New("transient network failure")
	ErrUnauthenticated  = errors.New("not authenticated")
	ErrInvalidState     = errors.New("oauth state mismatch")
	ErrUntrustedLink    = errors.New("untrusted pagination link")
)

// State store errors.
var (
	ErrCorruption             = errors.New("state corrupted")
	ErrMigrationTargetExists  = errors.New("migration target already exists")
	ErrMigrationCountMismatch = errors.New("migration count mismatch")
)

// Daemon errors.
var (
	ErrAlreadyRunning = errors.New("another instance is running")
	ErrStuckDeletion  = errors.New("deletion could not be verified")
	ErrExcludedPath   = errors.New("path is excluded from sync")
)

// Kind classifies an error for call sites that branch on the failure
// class rather than a specific sentinel.
type Kind int

const (
	KindUnknown Kind = iota
	KindPathTraversal
	KindSymlinkDetected
	KindNotFound
	KindTransientNetwork
	KindCorruption
	KindUnauthenticated
)

func (k Kind) String() string {
	switch k {
	case KindPathTraversal:
		return "PathTraversal"
	case KindSymlinkDetected:
		return "SymlinkDetected"
	case KindNotFound:
		return "NotFound"
	case KindTransientNetwork:
		return "TransientNetwork"
	case KindCorruption:
		return "Corruption"
	case KindUnauthenticated:
		return "Unauthenticated"
	default:
		return "Unknown"
	}
}

// KindOf walks the wrap chain of err and reports the first known kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrPathTraversal):
		return KindPathTraversal
	case errors.Is(err, ErrSymlinkDetected):
		return KindSymlinkDetected
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransientNetwork):
		return KindTransientNetwork
	case errors.Is(err, ErrCorruption):
		return KindCorruption
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrInvalidState):
		return KindUnauthenticated
	default:
		return KindUnknown
	}
}

// IsSecurity reports whether err is a path safety violation.
func IsSecurity(err error) bool {
	k := KindOf(err)
	return k == KindPathTraversal || k == KindSymlinkDetected
}
