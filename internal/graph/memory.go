// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package graph

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/keywarden/keywarden/internal/model"
)

// ErrUnknownMember is returned when an action references a principal the
// graph has never seen or has tombstoned.
var ErrUnknownMember = errors.New("unknown graph member")

// ErrUndefinedLabel is returned when a grant references a label that was
// never defined.
var ErrUndefinedLabel = errors.New("label not defined")

// Memory is an in-memory graph client used by tests and by local
// single-node operation. It applies actions synchronously, emits the same
// typed effects a real graph would, and models peer sync through an inbox
// of remote effects merged on SyncPeer. It implements both Client and View.
type Memory struct {
	mu sync.Mutex

	members    map[model.DeviceID]model.KeyBundle
	tombstones map[model.DeviceID]bool
	roles      map[model.DeviceID]map[model.Role]bool
	defined    map[model.Label]bool
	grants     map[model.Label]map[model.DeviceID]model.ChanOp

	// inbox holds effects originating elsewhere, in emission order, waiting
	// to be merged by the next SyncPeer call.
	inbox []Effect
}

// NewMemory returns an empty in-memory graph.
func NewMemory() *Memory {
	return &Memory{
		members:    make(map[model.DeviceID]model.KeyBundle),
		tombstones: make(map[model.DeviceID]bool),
		roles:      make(map[model.DeviceID]map[model.Role]bool),
		defined:    make(map[model.Label]bool),
		grants:     make(map[model.Label]map[model.DeviceID]model.ChanOp),
	}
}

// mintDevice derives a deterministic identity from the key bundle, the way
// the graph mints identities from enrollment key material.
func mintDevice(keys model.KeyBundle) model.DeviceID {
	return model.DeviceID(sha256.Sum256([]byte(keys.SigningKey + "\x00" + keys.KeyData)))
}

// DefineLabel registers a label. Re-defining an existing label succeeds
// without emitting a duplicate effect.
func (m *Memory) DefineLabel(ctx context.Context, label model.Label) ([]Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.defined[label] {
		return nil, nil
	}
	m.defined[label] = true
	return []Effect{LabelDefined{Label: label}}, nil
}

// AddMember enrolls a principal and returns the MemberAdded effect carrying
// the minted identity. Re-adding identical key material returns the same
// identity.
func (m *Memory) AddMember(ctx context.Context, keys model.KeyBundle) ([]Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := mintDevice(keys)
	if m.tombstones[id] {
		return nil, ErrUnknownMember
	}
	if _, ok := m.members[id]; ok {
		return []Effect{MemberAdded{Device: id, Keys: keys}}, nil
	}
	m.members[id] = keys
	return []Effect{MemberAdded{Device: id, Keys: keys}}, nil
}

// RemoveMember tombstones a member. Unknown or already-removed members are
// a no-op so removal sequences stay retryable.
func (m *Memory) RemoveMember(ctx context.Context, id model.DeviceID) ([]Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[id]; !ok {
		return nil, nil
	}
	delete(m.members, id)
	delete(m.roles, id)
	for _, holders := range m.grants {
		delete(holders, id)
	}
	m.tombstones[id] = true
	return []Effect{MemberRemoved{Device: id}}, nil
}

// AssignRole grants a role to a current member.
func (m *Memory) AssignRole(ctx context.Context, id model.DeviceID, role model.Role) ([]Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[id]; !ok {
		return nil, ErrUnknownMember
	}
	if m.roles[id] == nil {
		m.roles[id] = make(map[model.Role]bool)
	}
	if m.roles[id][role] {
		return nil, nil
	}
	m.roles[id][role] = true
	return []Effect{RoleAssigned{Device: id, Role: role}}, nil
}

// RevokeRole withdraws a role. Revoking an unheld role is a no-op.
func (m *Memory) RevokeRole(ctx context.Context, id model.DeviceID, role model.Role) ([]Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.roles[id][role] {
		return nil, nil
	}
	delete(m.roles[id], role)
	return []Effect{RoleRevoked{Device: id, Role: role}}, nil
}

// AssignLabel grants a channel operation on a defined label to a current
// member. Granting an identical, already-held operation is a no-op.
func (m *Memory) AssignLabel(ctx context.Context, id model.DeviceID, label model.Label, op model.ChanOp) ([]Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[id]; !ok {
		return nil, ErrUnknownMember
	}
	if !m.defined[label] {
		return nil, ErrUndefinedLabel
	}
	if m.grants[label] == nil {
		m.grants[label] = make(map[model.DeviceID]model.ChanOp)
	}
	if cur, ok := m.grants[label][id]; ok && cur == op {
		return nil, nil
	}
	m.grants[label][id] = op
	return []Effect{LabelAssigned{Device: id, Label: label, Op: op}}, nil
}

// RevokeLabel withdraws a grant. Revoking an absent grant is a no-op.
func (m *Memory) RevokeLabel(ctx context.Context, id model.DeviceID, label model.Label) ([]Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holders := m.grants[label]
	if _, ok := holders[id]; !ok {
		return nil, nil
	}
	delete(holders, id)
	return []Effect{LabelRevoked{Device: id, Label: label}}, nil
}

// InjectRemote queues effects from another origin for the next SyncPeer
// call, preserving their emission order.
func (m *Memory) InjectRemote(effects ...Effect) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox = append(m.inbox, effects...)
}

// SyncPeer merges queued remote effects into local state and returns them.
// An empty inbox returns an empty slice, signalling "no change" to the
// reconciliation loop.
func (m *Memory) SyncPeer(ctx context.Context, addr string) ([]Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	effects := m.inbox
	m.inbox = nil
	for _, e := range effects {
		m.applyLocked(e)
	}
	return effects, nil
}

// applyLocked folds one remote effect into local state. Remote effects are
// authoritative, so application is unconditional and idempotent.
func (m *Memory) applyLocked(e Effect) {
	switch v := e.(type) {
	case MemberAdded:
		if !m.tombstones[v.Device] {
			m.members[v.Device] = v.Keys
		}
	case MemberRemoved:
		delete(m.members, v.Device)
		delete(m.roles, v.Device)
		for _, holders := range m.grants {
			delete(holders, v.Device)
		}
		m.tombstones[v.Device] = true
	case RoleAssigned:
		if m.roles[v.Device] == nil {
			m.roles[v.Device] = make(map[model.Role]bool)
		}
		m.roles[v.Device][v.Role] = true
	case RoleRevoked:
		delete(m.roles[v.Device], v.Role)
	case LabelDefined:
		m.defined[v.Label] = true
	case LabelAssigned:
		m.defined[v.Label] = true
		if m.grants[v.Label] == nil {
			m.grants[v.Label] = make(map[model.DeviceID]model.ChanOp)
		}
		m.grants[v.Label][v.Device] = v.Op
	case LabelRevoked:
		delete(m.grants[v.Label], v.Device)
	}
}

// IsMember implements View.
func (m *Memory) IsMember(ctx context.Context, id model.DeviceID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.members[id]
	return ok, nil
}

// Members implements View.
func (m *Memory) Members(ctx context.Context) ([]model.DeviceID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DeviceID, 0, len(m.members))
	for id := range m.members {
		out = append(out, id)
	}
	return out, nil
}

// KeyBundle implements View.
func (m *Memory) KeyBundle(ctx context.Context, id model.DeviceID) (model.KeyBundle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kb, ok := m.members[id]
	return kb, ok, nil
}

// HasRole implements View.
func (m *Memory) HasRole(ctx context.Context, id model.DeviceID, role model.Role) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roles[id][role], nil
}

// LabelHolders implements View. Only open grants count; receive-only
// participation does not authorize host access.
func (m *Memory) LabelHolders(ctx context.Context, label model.Label) ([]model.DeviceID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DeviceID
	for id, op := range m.grants[label] {
		if op != model.ChanOpOpen {
			continue
		}
		if _, ok := m.members[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}
