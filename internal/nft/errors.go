package nft

import (
	"errors"
	"fmt"
)

// ErrInitFailed wraps failures to create the table or its chains.
var ErrInitFailed = errors.New("rule table initialization failed")

// ApplyError reports a rejected kernel apply together with the logical
// command that caused it and the raw diagnostic text. It is not retried
// here; re-applying on the next evaluation cycle is safe because applies
// are idempotent.
type ApplyError struct {
	Command    string // the offending nft command or script line
	Diagnostic string // raw stderr / netlink error text
	Err        error
}

func (e *ApplyError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("rule apply failed: %s: %s", e.Command, e.Diagnostic)
	}
	return fmt.Sprintf("rule apply failed: %s: %v", e.Command, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
