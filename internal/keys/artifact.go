// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package keys

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/keywarden/keywarden/internal/model"
)

// keyfileDomainKey is the 32-byte key for BLAKE3 keyed hashing of key-file
// artifacts. Domain separation keeps artifact hashes from colliding with
// any other hash in the system; the bytes are the ASCII domain name,
// zero-padded, so the key is inspectable in hex dumps.
var keyfileDomainKey = [32]byte{
	'k', 'e', 'y', 'w', 'a', 'r', 'd', 'e', 'n', '.',
	'k', 'e', 'y', 'f', 'i', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// NewArtifact tags rendered content with its BLAKE3 content hash. The hash
// is what makes redistribution idempotent: identical content always yields
// an identical artifact hash.
func NewArtifact(hostname, content string) model.KeyFileArtifact {
	hasher, err := blake3.NewKeyed(keyfileDomainKey[:])
	if err != nil {
		// NewKeyed only fails on a wrong key length, which is impossible
		// for the fixed-size domain key.
		panic(err)
	}
	_, _ = hasher.Write([]byte(content))
	digest := hasher.Sum(nil)
	return model.KeyFileArtifact{
		Hostname: hostname,
		Content:  content,
		Hash:     hex.EncodeToString(digest),
	}
}
