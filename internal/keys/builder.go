// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

// package keys renders and refreshes per-host authorized_keys artifacts
// from the authorization graph's current state.
package keys

import (
	"fmt"
	"sort"
	"strings"

	"github.com/keywarden/keywarden/internal/model"
)

// Principal is one authorized entry for a host: the member, its key
// material, and the access level its SSH role annotates. The level never
// gates inclusion; holding an open grant on the host's label does.
type Principal struct {
	Device model.DeviceID
	Keys   model.KeyBundle
	Level  model.AccessLevel
}

// BuildAuthorizedKeysContent renders the authorized_keys content for a
// host. The function is pure and deterministic: entries are sorted by
// identity, so identical authorized sets always produce identical bytes.
func BuildAuthorizedKeysContent(hostname string, principals []Principal) string {
	var sb strings.Builder

	sb.WriteString("# Keywarden Managed Keys\n")
	sb.WriteString(fmt.Sprintf("# Host: %s\n", hostname))

	if len(principals) == 0 {
		sb.WriteString("# No principals authorized for this host.\n")
		return sb.String()
	}

	sorted := make([]Principal, len(principals))
	copy(sorted, principals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Device.String() < sorted[j].Device.String()
	})

	for _, p := range sorted {
		sb.WriteString(fmt.Sprintf("# %s (%s)\n", p.Device, p.Level))
		sb.WriteString(p.Keys.AuthorizedKeysLine())
		sb.WriteString("\n")
	}

	return sb.String()
}
