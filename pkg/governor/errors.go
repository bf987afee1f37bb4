package governor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotAuthorized covers both an explicit polkit denial and an
	// unreachable authority; callers cannot tell them apart.
	ErrNotAuthorized = errors.New("not authorized to change the CPU governor")

	// ErrNoCores means no enumerated core exposes frequency scaling.
	ErrNoCores = errors.New("no CPU cores with frequency scaling support")
)

// InvalidGovernorError rejects a governor that is not in the live accepted
// set. The message names both the rejected value and the accepted set.
type InvalidGovernorError struct {
	Requested string
	Available []string
}

func (e *InvalidGovernorError) Error() string {
	return fmt.Sprintf("invalid governor: %s. Available: %s",
		e.Requested, strings.Join(e.Available, ", "))
}

// ApplyError reports that a governor write failed on every enumerated
// core. Partial failures are logged, not returned.
type ApplyError struct {
	Governor string
	Errs     []error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("failed to apply governor %q to any core: %v",
		e.Governor, errors.Join(e.Errs...))
}

func (e *ApplyError) Unwrap() []error { return e.Errs }
