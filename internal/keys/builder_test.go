// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package keys

import (
	"strings"
	"testing"

	"github.com/keywarden/keywarden/internal/model"
)

func principal(name string, level model.AccessLevel) Principal {
	var id model.DeviceID
	copy(id[:], name)
	return Principal{
		Device: id,
		Keys: model.KeyBundle{
			Algorithm: "ssh-ed25519",
			KeyData:   "AAAA" + name,
			Comment:   name + "@test",
		},
		Level: level,
	}
}

func TestBuildAuthorizedKeysContent_Empty(t *testing.T) {
	content := BuildAuthorizedKeysContent("db1", nil)
	if !strings.Contains(content, "# Host: db1\n") {
		t.Fatalf("missing host header:\n%s", content)
	}
	if !strings.Contains(content, "# No principals authorized for this host.\n") {
		t.Fatalf("empty set not rendered as explicit placeholder:\n%s", content)
	}
	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		if !strings.HasPrefix(line, "#") {
			t.Fatalf("empty render contains a non-comment line: %q", line)
		}
	}
}

func TestBuildAuthorizedKeysContent_SortedAndAnnotated(t *testing.T) {
	// Deliberately out of order.
	principals := []Principal{
		principal("zed", model.AccessRead),
		principal("amy", model.AccessAdmin),
	}

	content := BuildAuthorizedKeysContent("db1", principals)

	amyIdx := strings.Index(content, "AAAAamy")
	zedIdx := strings.Index(content, "AAAAzed")
	if amyIdx == -1 || zedIdx == -1 {
		t.Fatalf("missing key lines:\n%s", content)
	}
	if amyIdx > zedIdx {
		t.Fatalf("entries not sorted by identity:\n%s", content)
	}
	if !strings.Contains(content, "(admin)\nssh-ed25519 AAAAamy amy@test\n") {
		t.Fatalf("admin annotation missing:\n%s", content)
	}
	if !strings.Contains(content, "(read)\nssh-ed25519 AAAAzed zed@test\n") {
		t.Fatalf("read annotation missing:\n%s", content)
	}
}

func TestBuildAuthorizedKeysContent_Deterministic(t *testing.T) {
	a := []Principal{principal("amy", model.AccessRead), principal("zed", model.AccessAdmin)}
	b := []Principal{principal("zed", model.AccessAdmin), principal("amy", model.AccessRead)}

	if BuildAuthorizedKeysContent("db1", a) != BuildAuthorizedKeysContent("db1", b) {
		t.Fatal("identical authorized sets rendered differently")
	}
}

func TestNewArtifact_HashProperties(t *testing.T) {
	a1 := NewArtifact("db1", "content-a")
	a2 := NewArtifact("db1", "content-a")
	a3 := NewArtifact("db1", "content-b")

	if a1.Hash == "" || len(a1.Hash) != 64 {
		t.Fatalf("unexpected hash %q", a1.Hash)
	}
	if a1.Hash != a2.Hash {
		t.Fatal("identical content produced different hashes")
	}
	if a1.Hash == a3.Hash {
		t.Fatal("different content produced identical hashes")
	}

	// The hash covers content only; the hostname tags the artifact.
	b := NewArtifact("db2", "content-a")
	if b.Hash != a1.Hash {
		t.Fatal("hash unexpectedly depends on hostname")
	}
	if b.Hostname != "db2" {
		t.Fatalf("artifact hostname = %q", b.Hostname)
	}
}
