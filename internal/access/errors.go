// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

// Package access orchestrates user onboarding, host grants and the
// background reconciliation loop on top of the authorization graph. This
// file contains the operation-level error taxonomy.
package access

import (
	"errors"
	"fmt"
)

// ErrMissingIdentity is returned when an operation references a principal
// the graph does not know, or when an effect set fails to yield the
// identity it must carry. The latter indicates a graph/client protocol
// mismatch and is fatal for that operation.
var ErrMissingIdentity = errors.New("missing or unknown principal identity")

// ErrRoleRequired is returned when a host grant is requested for a member
// that holds neither SSH role. Role possession is a policy precondition
// for grants; a principal mid-offboarding whose roles are already revoked
// must not acquire new access even while membership removal is pending.
var ErrRoleRequired = errors.New("principal holds no ssh role")

// GraphActionError wraps a network or consensus-level failure of a
// mutating graph call. These failures are retryable; the operation that
// hit one stopped at a documented, observable point.
type GraphActionError struct {
	Action string
	Err    error
}

func (e *GraphActionError) Error() string {
	return fmt.Sprintf("graph action %s failed: %v", e.Action, e.Err)
}

func (e *GraphActionError) Unwrap() error { return e.Err }

// graphErr is a small helper that wraps non-nil errors in GraphActionError.
func graphErr(action string, err error) error {
	if err == nil {
		return nil
	}
	return &GraphActionError{Action: action, Err: err}
}
