// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package graph

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/keywarden/keywarden/internal/model"
)

// memorySnapshot is the serialized form of a Memory graph. Device IDs are
// hex so the file stays inspectable; pending inbox effects are not part of
// the snapshot, only merged state is.
type memorySnapshot struct {
	Members    map[string]model.KeyBundle     `json:"members"`
	Tombstones []string                       `json:"tombstones"`
	Roles      map[string][]model.Role        `json:"roles"`
	Defined    []model.Label                  `json:"defined_labels"`
	Grants     map[model.Label]map[string]int `json:"grants"`
}

// SaveFile writes the graph's merged state to path, atomically. Local mode
// calls this after every command so state survives across invocations.
func (m *Memory) SaveFile(path string) error {
	m.mu.Lock()
	snap := memorySnapshot{
		Members: make(map[string]model.KeyBundle, len(m.members)),
		Roles:   make(map[string][]model.Role),
		Grants:  make(map[model.Label]map[string]int, len(m.grants)),
	}
	for id, kb := range m.members {
		snap.Members[id.String()] = kb
	}
	for id := range m.tombstones {
		snap.Tombstones = append(snap.Tombstones, id.String())
	}
	for id, roles := range m.roles {
		for role := range roles {
			snap.Roles[id.String()] = append(snap.Roles[id.String()], role)
		}
	}
	for label := range m.defined {
		snap.Defined = append(snap.Defined, label)
	}
	for label, holders := range m.grants {
		hs := make(map[string]int, len(holders))
		for id, op := range holders {
			hs[id.String()] = int(op)
		}
		snap.Grants[label] = hs
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode graph state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write graph state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move graph state into place: %w", err)
	}
	return nil
}

// LoadMemoryFile restores a Memory graph from a snapshot file. A missing
// file yields an empty graph, so first use needs no setup step.
func LoadMemoryFile(path string) (*Memory, error) {
	m := NewMemory()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("failed to read graph state: %w", err)
	}

	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode graph state %s: %w", path, err)
	}

	for hexID, kb := range snap.Members {
		id, err := model.ParseDeviceID(hexID)
		if err != nil {
			return nil, err
		}
		m.members[id] = kb
	}
	for _, hexID := range snap.Tombstones {
		id, err := model.ParseDeviceID(hexID)
		if err != nil {
			return nil, err
		}
		m.tombstones[id] = true
	}
	for hexID, roles := range snap.Roles {
		id, err := model.ParseDeviceID(hexID)
		if err != nil {
			return nil, err
		}
		m.roles[id] = make(map[model.Role]bool, len(roles))
		for _, role := range roles {
			m.roles[id][role] = true
		}
	}
	for _, label := range snap.Defined {
		m.defined[label] = true
	}
	for label, holders := range snap.Grants {
		m.defined[label] = true
		m.grants[label] = make(map[model.DeviceID]model.ChanOp, len(holders))
		for hexID, op := range holders {
			id, err := model.ParseDeviceID(hexID)
			if err != nil {
				return nil, err
			}
			m.grants[label][id] = model.ChanOp(op)
		}
	}
	return m, nil
}

