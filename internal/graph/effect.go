// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package graph

import "github.com/keywarden/keywarden/internal/model"

// Effect is one observed graph mutation. The set of variants is closed:
// each mutation kind is its own struct with typed payload fields, so
// consumers extract identities and labels by field access instead of
// matching on effect-name strings.
type Effect interface {
	// Kind returns the stable name used in logs and audit entries.
	Kind() string
}

// MemberAdded is emitted when a principal joins the team. Device is the
// identity the graph minted for the new member.
type MemberAdded struct {
	Device model.DeviceID
	Keys   model.KeyBundle
}

// MemberRemoved is emitted when a principal is tombstoned.
type MemberRemoved struct {
	Device model.DeviceID
}

// RoleAssigned is emitted when a role is granted to a principal.
type RoleAssigned struct {
	Device model.DeviceID
	Role   model.Role
}

// RoleRevoked is emitted when a role is withdrawn from a principal.
type RoleRevoked struct {
	Device model.DeviceID
	Role   model.Role
}

// LabelDefined is emitted when a label is first registered on the graph.
type LabelDefined struct {
	Label model.Label
}

// LabelAssigned is emitted when a principal is granted a channel operation
// on a label.
type LabelAssigned struct {
	Device model.DeviceID
	Label  model.Label
	Op     model.ChanOp
}

// LabelRevoked is emitted when a principal's grant on a label is withdrawn.
type LabelRevoked struct {
	Device model.DeviceID
	Label  model.Label
}

func (MemberAdded) Kind() string   { return "member_added" }
func (MemberRemoved) Kind() string { return "member_removed" }
func (RoleAssigned) Kind() string  { return "role_assigned" }
func (RoleRevoked) Kind() string   { return "role_revoked" }
func (LabelDefined) Kind() string  { return "label_defined" }
func (LabelAssigned) Kind() string { return "label_assigned" }
func (LabelRevoked) Kind() string  { return "label_revoked" }

// MemberAddedDevice scans effects for the first MemberAdded and returns its
// identity. The boolean is false when no such effect is present, which
// callers treat as a graph/client protocol mismatch.
func MemberAddedDevice(effects []Effect) (model.DeviceID, bool) {
	for _, e := range effects {
		if ma, ok := e.(MemberAdded); ok {
			return ma.Device, true
		}
	}
	return model.DeviceID{}, false
}

// EffectLabel returns the label an effect is scoped to, if any. Effects
// without label context (membership and role changes) return false; the
// reconciliation loop falls back to a full refresh for those.
func EffectLabel(e Effect) (model.Label, bool) {
	switch v := e.(type) {
	case LabelDefined:
		return v.Label, true
	case LabelAssigned:
		return v.Label, true
	case LabelRevoked:
		return v.Label, true
	default:
		return 0, false
	}
}
