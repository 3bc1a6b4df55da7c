// Package failure defines the typed errors returned by every pde reconciler.
//
// Each error carries a [Kind] so callers can branch on the category of a failure without
// matching on messages, and reports whether retrying the same operation unchanged could
// succeed.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Kind is the category of a failure.
type Kind string

const (
	KindUnknown         Kind = "Unknown"
	KindValidation      Kind = "Validation"
	KindNotFound        Kind = "NotFound"
	KindAssetNotFound   Kind = "AssetNotFound"
	KindBranchNotFound  Kind = "BranchNotFound"
	KindUpstream        Kind = "Upstream"
	KindAccessDenied    Kind = "AccessDenied"
	KindRejected        Kind = "Rejected"
	KindInstallCommand  Kind = "InstallCommand"
	KindCommand         Kind = "CommandFailure"
	KindUninstall       Kind = "Uninstall"
	KindClone           Kind = "Clone"
	KindTargetExists    Kind = "TargetExists"
	KindSourceNotFound  Kind = "SourceNotFound"
	KindConflict        Kind = "Conflict"
	KindMergeConflict   Kind = "MergeConflict"
	KindReplaceRequired Kind = "ReplaceRequired"
	KindCanceled        Kind = "Canceled"
	KindTimeout         Kind = "Timeout"
)

// Classified is implemented by every error in this package.
type Classified interface {
	error
	Kind() Kind
	Retryable() bool
}

// KindOf reports the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var c Classified
	if errors.As(err, &c) {
		return c.Kind()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}

// IsRetryable reports whether the same operation may succeed if retried unchanged.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var c Classified
	if errors.As(err, &c) {
		return c.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ValidationError is a missing or invalid spec field. It is raised before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %q: %s", e.Field, e.Reason)
}
func (*ValidationError) Kind() Kind      { return KindValidation }
func (*ValidationError) Retryable() bool { return false }

// NotFoundError reports that no release or repository matches the request.
type NotFoundError struct {
	Org, Repo string
	Version   string
}

func (e *NotFoundError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("repository %s/%s not found", e.Org, e.Repo)
	}
	return fmt.Sprintf("no release of %s/%s matches %q", e.Org, e.Repo, e.Version)
}
func (*NotFoundError) Kind() Kind      { return KindNotFound }
func (*NotFoundError) Retryable() bool { return false }

// AssetNotFoundError reports that a release has no asset matching the requested pattern.
type AssetNotFoundError struct {
	Org, Repo string
	Tag       string
	Pattern   string
	Available []string
}

func (e *AssetNotFoundError) Error() string {
	pattern := e.Pattern
	if pattern == "" {
		pattern = "<platform default>"
	}
	return fmt.Sprintf("release %s of %s/%s has no asset matching %s (available: %s)",
		e.Tag, e.Org, e.Repo, pattern, strings.Join(e.Available, ", "))
}
func (*AssetNotFoundError) Kind() Kind      { return KindAssetNotFound }
func (*AssetNotFoundError) Retryable() bool { return false }

// BranchNotFoundError reports a branch missing on the remote.
type BranchNotFoundError struct {
	Repo   string
	Branch string
}

func (e *BranchNotFoundError) Error() string {
	return fmt.Sprintf("branch %q not found in %s", e.Branch, e.Repo)
}
func (*BranchNotFoundError) Kind() Kind      { return KindBranchNotFound }
func (*BranchNotFoundError) Retryable() bool { return false }

// UpstreamError is a transient failure talking to a remote API.
type UpstreamError struct {
	Op         string
	StatusCode int
	// RetryAfter is the delay the upstream asked for, when it said so.
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := e.Op
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}
func (e *UpstreamError) Unwrap() error { return e.Err }
func (*UpstreamError) Kind() Kind      { return KindUpstream }
func (*UpstreamError) Retryable() bool { return true }

// AccessDeniedError is a remote API refusing the configured credentials.
type AccessDeniedError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("%s: status %d: access denied, check githubToken: %v", e.Op, e.StatusCode, e.Err)
}
func (e *AccessDeniedError) Unwrap() error { return e.Err }
func (*AccessDeniedError) Kind() Kind      { return KindAccessDenied }
func (*AccessDeniedError) Retryable() bool { return false }

// RejectedError is a request the remote API refused as malformed or unprocessable.
type RejectedError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
}
func (e *RejectedError) Unwrap() error { return e.Err }
func (*RejectedError) Kind() Kind      { return KindRejected }
func (*RejectedError) Retryable() bool { return false }

// CommandFailure is a single command that did not exit cleanly.
type CommandFailure struct {
	Command  string
	ExitCode int
	Stderr   string
	// Err is set when the command could not be run at all or was interrupted.
	Err error
}

func (e *CommandFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command %q", e.Command)
	if e.Err != nil {
		fmt.Fprintf(&b, " failed: %v", e.Err)
	} else {
		fmt.Fprintf(&b, " exited with code %d", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	return b.String()
}
func (e *CommandFailure) Unwrap() error { return e.Err }
func (*CommandFailure) Kind() Kind      { return KindCommand }
func (e *CommandFailure) Retryable() bool {
	return e.Err != nil && errors.Is(e.Err, context.DeadlineExceeded)
}

// InstallCommandError is an install or update command that exited non-zero. The
// remaining commands of the sequence were not run.
type InstallCommandError struct {
	// Phase is "install" or "update".
	Phase    string
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

// NewInstallCommandError lifts a command failure into the install sequence that ran it.
func NewInstallCommandError(phase string, f *CommandFailure) *InstallCommandError {
	return &InstallCommandError{
		Phase:    phase,
		Command:  f.Command,
		ExitCode: f.ExitCode,
		Stderr:   f.Stderr,
		Err:      f.Err,
	}
}

func (e *InstallCommandError) Error() string {
	f := CommandFailure{Command: e.Command, ExitCode: e.ExitCode, Stderr: e.Stderr, Err: e.Err}
	return fmt.Sprintf("%s: %s", e.Phase, f.Error())
}
func (e *InstallCommandError) Unwrap() error { return e.Err }
func (*InstallCommandError) Kind() Kind      { return KindInstallCommand }
func (*InstallCommandError) Retryable() bool { return false }

// UninstallError accumulates every failure of a best-effort teardown.
type UninstallError struct {
	Failures []CommandFailure
	// Cleanup holds the file removals that failed, if any.
	Cleanup error
}

func (e *UninstallError) Error() string {
	var errs *multierror.Error
	for i := range e.Failures {
		errs = multierror.Append(errs, &e.Failures[i])
	}
	if e.Cleanup != nil {
		errs = multierror.Append(errs, e.Cleanup)
	}
	if errs == nil {
		return "uninstall failed"
	}
	errs.ErrorFormat = func(es []error) string {
		lines := make([]string, len(es))
		for i, err := range es {
			lines[i] = "\t* " + err.Error()
		}
		return fmt.Sprintf("uninstall finished with %d failure(s):\n%s", len(es), strings.Join(lines, "\n"))
	}
	return errs.Error()
}
func (e *UninstallError) Unwrap() error { return e.Cleanup }
func (*UninstallError) Kind() Kind      { return KindUninstall }
func (*UninstallError) Retryable() bool { return false }

// CloneError reports a repository that could not be cloned or fetched.
type CloneError struct {
	URL string
	Err error
}

func (e *CloneError) Error() string   { return fmt.Sprintf("cloning %s: %v", e.URL, e.Err) }
func (e *CloneError) Unwrap() error   { return e.Err }
func (*CloneError) Kind() Kind        { return KindClone }
func (e *CloneError) Retryable() bool { return isNetwork(e.Err) }

// TargetExistsError reports that a path the resource would create is already occupied.
type TargetExistsError struct {
	Target string
	Reason string
}

func (e *TargetExistsError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("target %q already exists: %s", e.Target, e.Reason)
	}
	return fmt.Sprintf("target %q already exists; set overwrite to replace it", e.Target)
}
func (*TargetExistsError) Kind() Kind      { return KindTargetExists }
func (*TargetExistsError) Retryable() bool { return false }

// SourceNotFoundError reports a link source that does not exist.
type SourceNotFoundError struct {
	Source string
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("source %q does not exist", e.Source)
}
func (*SourceNotFoundError) Kind() Kind      { return KindSourceNotFound }
func (*SourceNotFoundError) Retryable() bool { return false }

// ConflictError reports a managed path that was changed outside of pde.
type ConflictError struct {
	Target   string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%q drifted: expected %s, found %s", e.Target, e.Expected, e.Actual)
}
func (*ConflictError) Kind() Kind      { return KindConflict }
func (*ConflictError) Retryable() bool { return false }

// MergeConflictError reports a clone that cannot be fast-forwarded.
type MergeConflictError struct {
	Path   string
	Branch string
	Err    error
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("cannot fast-forward %s to origin/%s, resolve manually: %v", e.Path, e.Branch, e.Err)
}
func (e *MergeConflictError) Unwrap() error { return e.Err }
func (*MergeConflictError) Kind() Kind      { return KindMergeConflict }
func (*MergeConflictError) Retryable() bool { return false }

// ReplaceRequiredError is returned by an in-place update that cannot apply the change.
// The coordinator answers it with delete then create.
type ReplaceRequiredError struct {
	Fields []string
	Reason string
}

func (e *ReplaceRequiredError) Error() string {
	return fmt.Sprintf("replacement required (%s): %s", strings.Join(e.Fields, ", "), e.Reason)
}
func (*ReplaceRequiredError) Kind() Kind      { return KindReplaceRequired }
func (*ReplaceRequiredError) Retryable() bool { return false }

func isNetwork(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
