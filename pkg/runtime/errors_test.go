package runtime

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   FailureKind
	}{
		{"no such container", "Error response from daemon: No such container: web_1", FailureNotFound},
		{"no such object", "Error: No such object: abc123", FailureNotFound},
		{"port allocated", "Bind for 0.0.0.0:9001 failed: port is already allocated", FailurePortConflict},
		{"address in use", "listen tcp 0.0.0.0:21005: bind: address already in use", FailurePortConflict},
		{"name conflict", `Conflict. The container name "/ftp_web_1" is already in use by container "abc"`, FailureConflict},
		{"subnet exhausted", "could not find an available, non-overlapping IPv4 address pool: all predefined address pools have been fully subnetted", FailureNetwork},
		{"network missing", "Error response from daemon: network corral_default not found", FailureNetwork},
		{"pull denied", "pull access denied for private/image, repository does not exist", FailureImage},
		{"image missing", "Error response from daemon: image myimage:latest not found", FailureImage},
		{"volume", "Error response from daemon: failed to mount local volume", FailureVolume},
		{"oom", "Cannot start container: cannot allocate memory", FailureResource},
		{"permission", "Got permission denied while trying to connect to the Docker daemon socket", FailurePermission},
		{"bad yaml", "yaml: line 12: mapping values are not allowed in this context", FailureCompose},
		{"exit code", "Process exited with code: 137", FailureExitCode},
		{"unclassified", "something nobody has seen before", FailureUnknown},
		{"empty", "", FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.output); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.output, got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	retryable := []FailureKind{FailurePortConflict, FailureNetwork, FailureImage, FailureVolume}
	for _, kind := range retryable {
		if !Retryable(kind) {
			t.Errorf("Retryable(%s) = false, want true", kind)
		}
	}
	fatal := []FailureKind{FailureConflict, FailureResource, FailurePermission, FailureCompose, FailureExitCode, FailureNotFound, FailureUnknown}
	for _, kind := range fatal {
		if Retryable(kind) {
			t.Errorf("Retryable(%s) = true, want false", kind)
		}
	}
}

func TestErrorHelpers(t *testing.T) {
	notFound := &Error{Kind: FailureNotFound, Output: "no such container"}
	if !IsNotFound(notFound) {
		t.Error("IsNotFound should recognize a not-found error")
	}
	if IsNotFound(errors.New("plain")) {
		t.Error("IsNotFound should reject unclassified errors")
	}

	if Kind(notFound) != FailureNotFound {
		t.Errorf("Kind = %s, want %s", Kind(notFound), FailureNotFound)
	}
	if Kind(errors.New("plain")) != FailureUnknown {
		t.Errorf("Kind of a plain error = %s, want %s", Kind(errors.New("plain")), FailureUnknown)
	}

	wrapped := &Error{Kind: FailureCompose, Err: errors.New("inner")}
	if !errors.Is(wrapped, wrapped) || wrapped.Unwrap().Error() != "inner" {
		t.Error("Unwrap should expose the inner error")
	}
}

func TestErrorMessageUsesFirstLine(t *testing.T) {
	err := &Error{Kind: FailurePortConflict, Output: "first line\nsecond line"}
	want := "runtime port-conflict: first line"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
