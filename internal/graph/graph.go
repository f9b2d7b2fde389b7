// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

// package graph defines Keywarden's boundary with the replicated
// authorization graph. The graph itself is an external system; Keywarden
// only issues mutating actions, observes the effects they emit, and reads
// a snapshot view of the merged state. The consensus and replication
// machinery behind that contract is explicitly out of scope.
package graph

import (
	"context"

	"github.com/keywarden/keywarden/internal/model"
)

// Client is the action surface of the authorization graph. Every mutation
// returns the ordered list of effects it emitted; remote mutations become
// visible only through SyncPeer. All calls may fail at the network or
// consensus level and are safe to retry.
type Client interface {
	// DefineLabel registers a label on the graph. Defining an
	// already-defined label is success, not an error.
	DefineLabel(ctx context.Context, label model.Label) ([]Effect, error)

	// AddMember adds a team member and emits a MemberAdded effect carrying
	// the newly minted identity.
	AddMember(ctx context.Context, keys model.KeyBundle) ([]Effect, error)

	// RemoveMember tombstones a member. Removing an already-removed member
	// is a no-op.
	RemoveMember(ctx context.Context, id model.DeviceID) ([]Effect, error)

	AssignRole(ctx context.Context, id model.DeviceID, role model.Role) ([]Effect, error)

	// RevokeRole revokes a role; revoking a role the principal does not
	// hold is a no-op, not an error.
	RevokeRole(ctx context.Context, id model.DeviceID, role model.Role) ([]Effect, error)

	AssignLabel(ctx context.Context, id model.DeviceID, label model.Label, op model.ChanOp) ([]Effect, error)

	// RevokeLabel withdraws a principal's grant on a label. Revoking an
	// absent grant is a no-op.
	RevokeLabel(ctx context.Context, id model.DeviceID, label model.Label) ([]Effect, error)

	// SyncPeer merges state from the peer at addr and returns the effects
	// newly observed since the previous sync, in per-origin emission order.
	SyncPeer(ctx context.Context, addr string) ([]Effect, error)
}

// View is a read-only snapshot of the merged graph state. The materializer
// computes authorized sets from this view, never from effect arrival order,
// so interleaved origins cannot produce stale results.
type View interface {
	// IsMember reports whether the principal is a current (non-tombstoned)
	// team member.
	IsMember(ctx context.Context, id model.DeviceID) (bool, error)

	// Members returns all current team members.
	Members(ctx context.Context) ([]model.DeviceID, error)

	// KeyBundle returns the key material registered for a member. The
	// boolean is false for unknown or tombstoned principals.
	KeyBundle(ctx context.Context, id model.DeviceID) (model.KeyBundle, bool, error)

	// HasRole reports whether the principal currently holds the role.
	HasRole(ctx context.Context, id model.DeviceID, role model.Role) (bool, error)

	// LabelHolders returns the principals holding an open grant on label.
	LabelHolders(ctx context.Context, label model.Label) ([]model.DeviceID, error)
}

// Config is the immutable role and label table handed to the access
// manager at construction. Keeping it a plain value avoids process-wide
// mutable state for what are effectively protocol constants.
type Config struct {
	// TransportLabel is the well-known label carrying the SSH transport.
	TransportLabel model.Label
	// AdminRole and UserRole are the SSH-specific custom roles, reserved
	// in a fixed numeric range clear of graph-native roles.
	AdminRole model.Role
	UserRole  model.Role
	// HostLabelBase and HostLabelRange delimit the derived per-host label
	// range [base, base+range).
	HostLabelBase  model.Label
	HostLabelRange uint32
}

// DefaultConfig returns the standard Keywarden label and role assignments.
func DefaultConfig() Config {
	return Config{
		TransportLabel: model.Label(1000),
		AdminRole:      model.CustomRole(1001),
		UserRole:       model.CustomRole(1002),
		HostLabelBase:  model.Label(2000),
		HostLabelRange: 1000,
	}
}

// HostLabel reports whether label falls in the derived per-host range.
func (c Config) HostLabel(label model.Label) bool {
	return uint32(label) >= uint32(c.HostLabelBase) &&
		uint32(label) < uint32(c.HostLabelBase)+c.HostLabelRange
}
