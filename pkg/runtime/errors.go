package runtime

import (
	"fmt"
	"regexp"
	"strings"
)

// FailureKind classifies a driver failure. Classification happens once, at
// the driver boundary; no other layer inspects runtime output strings.
type FailureKind string

const (
	FailurePortConflict FailureKind = "port-conflict"
	FailureConflict     FailureKind = "conflict"
	FailureNetwork      FailureKind = "network"
	FailureImage        FailureKind = "image"
	FailureVolume       FailureKind = "volume"
	FailureResource     FailureKind = "resource"
	FailurePermission   FailureKind = "permission"
	FailureCompose      FailureKind = "compose"
	FailureExitCode     FailureKind = "exit-code"
	FailureNotFound     FailureKind = "not-found"
	FailureUnknown      FailureKind = "unknown"
)

// Error is a classified runtime failure carrying the raw combined output.
type Error struct {
	Kind   FailureKind
	Output string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("runtime %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("runtime %s: %s", e.Kind, firstLine(e.Output))
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a classified "no such container" result.
func IsNotFound(err error) bool {
	re, ok := err.(*Error)
	return ok && re.Kind == FailureNotFound
}

// Kind extracts the failure kind from err, or FailureUnknown.
func Kind(err error) FailureKind {
	if re, ok := err.(*Error); ok {
		return re.Kind
	}
	return FailureUnknown
}

var exitCodeRe = regexp.MustCompile(`[Pp]rocess exited with code:?\s*([1-9]\d*)`)

// Classify inspects the combined stdout/stderr of a failed runtime command
// and assigns a failure kind. Substring checks mirror the messages the
// docker CLI emits; order matters, most specific first.
func Classify(output string) FailureKind {
	lower := strings.ToLower(output)

	switch {
	case strings.Contains(lower, "no such container"),
		strings.Contains(lower, "no such object"):
		return FailureNotFound

	case strings.Contains(lower, "address already in use"),
		strings.Contains(lower, "port is already allocated"):
		return FailurePortConflict

	case strings.Contains(lower, "is already in use by container"),
		strings.Contains(lower, "conflict."):
		return FailureConflict

	case strings.Contains(lower, "all predefined address pools have been fully subnetted"),
		networkNotFoundRe.MatchString(lower),
		networkExistsRe.MatchString(lower):
		return FailureNetwork

	case imageNotFoundRe.MatchString(lower),
		strings.Contains(lower, "pull access denied"),
		strings.Contains(lower, "error pulling"):
		return FailureImage

	case strings.Contains(lower, "volume"),
		strings.Contains(lower, "mount"):
		return FailureVolume

	case strings.Contains(lower, "memory"),
		strings.Contains(lower, "cpu"),
		strings.Contains(lower, "resource"):
		return FailureResource

	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "access denied"):
		return FailurePermission

	case strings.Contains(lower, "compose"),
		strings.Contains(lower, "yaml"),
		strings.Contains(lower, "invalid"):
		return FailureCompose

	case exitCodeRe.MatchString(output):
		return FailureExitCode
	}

	return FailureUnknown
}

var (
	networkNotFoundRe = regexp.MustCompile(`network\s+\S+\s+not found`)
	networkExistsRe   = regexp.MustCompile(`network\s.*already exists`)
	imageNotFoundRe   = regexp.MustCompile(`image\s.*not found`)
)

// Retryable reports whether a failure kind is worth remediating. Fatal
// kinds are reported to the caller without retry.
func Retryable(kind FailureKind) bool {
	switch kind {
	case FailurePortConflict, FailureNetwork, FailureImage, FailureVolume:
		return true
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
