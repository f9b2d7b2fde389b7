// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

// Package registry persists Keywarden's host/label bindings, per-host
// deploy state and audit trail. This file contains shared errors and
// driver-error mapping helpers.
package registry

import (
	"errors"
	"strings"
)

// ErrLabelCollision is returned when a derived label is already bound to a
// different hostname. The binding is never overwritten; the operator must
// resolve the collision (salt the hostname or widen the range).
var ErrLabelCollision = errors.New("label already bound to a different host")

// ErrDuplicate is returned when attempting to insert a record that already exists.
var ErrDuplicate = errors.New("duplicate record")

// MapDBError inspects low-level driver errors and maps common constraint
// violations to package-level sentinel errors. This is a conservative,
// string-based mapping so the package stays independent of the SQL driver
// packages.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}
	le := strings.ToLower(err.Error())
	// MySQL duplicate entry, Postgres unique violation (23505), SQLite unique constraint
	if strings.Contains(le, "duplicate") || strings.Contains(le, "unique") || strings.Contains(le, "23505") || strings.Contains(le, "1062") {
		return ErrDuplicate
	}
	return err
}
