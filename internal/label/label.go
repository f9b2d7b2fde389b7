// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

// package label derives channel labels from hostnames. The derivation is a
// pure function so every replica computes the same label for the same host
// without coordination; collisions inside the narrow derived range are
// detected at bind time by the host registry, never here.
package label

import (
	"github.com/keywarden/keywarden/internal/graph"
	"github.com/keywarden/keywarden/internal/model"
)

// Derive maps a hostname into the per-host label range of cfg using a
// multiplicative rolling hash (seed 0, multiplier 31, unsigned 32-bit
// arithmetic) over the hostname's UTF-8 bytes.
func Derive(cfg graph.Config, hostname string) model.Label {
	var h uint32
	for _, b := range []byte(hostname) {
		h = h*31 + uint32(b)
	}
	return model.Label(uint32(cfg.HostLabelBase) + h%cfg.HostLabelRange)
}
