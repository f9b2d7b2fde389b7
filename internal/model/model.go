// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

// package model contains the core data types shared across Keywarden:
// principal identities, key bundles, roles, channel labels, host bindings
// and rendered key-file artifacts.
package model

import (
	"encoding/hex"
	"fmt"
)

// DeviceID uniquely names a principal in the authorization graph. It is
// assigned by the graph on member addition and never changes afterwards.
type DeviceID [32]byte

// String returns the hex form used in logs and for deterministic sorting.
func (d DeviceID) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the identity is the all-zero value.
func (d DeviceID) IsZero() bool {
	return d == DeviceID{}
}

// ParseDeviceID decodes the hex rendering produced by DeviceID.String.
func ParseDeviceID(s string) (DeviceID, error) {
	var id DeviceID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("malformed device id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

// KeyBundle is the public key material for one principal, supplied at
// onboarding. Rotation creates a new bundle; the bundle itself is immutable.
type KeyBundle struct {
	// SigningKey is the principal's graph-level signing public key.
	SigningKey string
	// Algorithm is the SSH key algorithm, e.g. "ssh-ed25519".
	Algorithm string
	// KeyData is the base64-encoded SSH public key blob.
	KeyData string
	// Comment identifies the key holder (typically user@device).
	Comment string
}

// AuthorizedKeysLine renders the bundle as a single authorized_keys entry.
func (k KeyBundle) AuthorizedKeysLine() string {
	if k.Comment != "" {
		return fmt.Sprintf("%s %s %s", k.Algorithm, k.KeyData, k.Comment)
	}
	return fmt.Sprintf("%s %s", k.Algorithm, k.KeyData)
}

// RoleKind discriminates the closed set of role variants.
type RoleKind int

const (
	RoleAdmin RoleKind = iota
	RoleMember
	RoleCustom
)

// Role is a graph role. SSH-specific roles are Custom roles drawn from a
// reserved numeric range so they never collide with graph-native roles.
// Holding a role grants no host access by itself; it is a capability
// precondition checked by policy.
type Role struct {
	Kind   RoleKind
	Custom uint16
}

// CustomRole returns a Custom role with the given numeric value.
func CustomRole(v uint16) Role {
	return Role{Kind: RoleCustom, Custom: v}
}

// String renders the role for logs and audit entries.
func (r Role) String() string {
	switch r.Kind {
	case RoleAdmin:
		return "admin"
	case RoleMember:
		return "member"
	default:
		return fmt.Sprintf("custom(%d)", r.Custom)
	}
}

// Label is a 32-bit channel identifier. One well-known label carries the
// SSH transport; per-host labels live in a reserved derived range. A numeric
// label, once bound, always resolves to the same host.
type Label uint32

// String renders the label for logs.
func (l Label) String() string {
	return fmt.Sprintf("label(%d)", uint32(l))
}

// ChanOp is the channel operation requested when a label is assigned.
type ChanOp int

const (
	// ChanOpOpen grants the principal the right to open channels under the
	// label. Possession of an open grant is the unit of access control.
	ChanOpOpen ChanOp = iota
	// ChanOpRecvOnly grants receive-only participation.
	ChanOpRecvOnly
)

// AccessLevel annotates a derived grant with the principal's SSH role.
type AccessLevel int

const (
	AccessRead AccessLevel = iota
	AccessAdmin
)

// String returns the key-file annotation for the level.
func (a AccessLevel) String() string {
	if a == AccessAdmin {
		return "admin"
	}
	return "read"
}

// Host is a known target bound 1:1 to a derived label. Bindings persist in
// the host registry and are never silently reassigned.
type Host struct {
	ID       int
	Hostname string
	Label    Label
}

// String returns the hostname with its bound label.
func (h Host) String() string {
	return fmt.Sprintf("%s [%d]", h.Hostname, uint32(h.Label))
}

// KeyFileArtifact is the rendered authorized_keys content for one host,
// tagged with a content hash so identical renders are not redistributed.
type KeyFileArtifact struct {
	Hostname string
	Content  string
	// Hash is the hex BLAKE3 digest of Content.
	Hash string
}
