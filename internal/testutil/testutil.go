// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

// package testutil holds shared fakes for Keywarden tests.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/keywarden/keywarden/internal/model"
	"github.com/keywarden/keywarden/internal/registry"
)

// RecordingSink captures deployed artifacts in memory. It records every
// Deploy call per host, so tests can assert both content and how often a
// host was actually touched.
type RecordingSink struct {
	mu      sync.Mutex
	deploys map[string][]model.KeyFileArtifact
	// tampered overrides what FetchAuthorizedKeys reports per host.
	tampered map[string]string
	// Fail, when set, is returned from Deploy for matching hostnames.
	Fail map[string]error
}

// NewRecordingSink returns an empty recording sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{
		deploys:  make(map[string][]model.KeyFileArtifact),
		tampered: make(map[string]string),
		Fail:     make(map[string]error),
	}
}

// Deploy records the artifact, or fails if the host is marked to fail.
func (s *RecordingSink) Deploy(_ context.Context, artifact model.KeyFileArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail[artifact.Hostname]; err != nil {
		return err
	}
	s.deploys[artifact.Hostname] = append(s.deploys[artifact.Hostname], artifact)
	return nil
}

// DeployCount returns how many times the host received a deployment.
func (s *RecordingSink) DeployCount(hostname string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deploys[hostname])
}

// LastContent returns the most recently deployed content for the host, or
// "" when the host was never deployed to.
func (s *RecordingSink) LastContent(hostname string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifacts := s.deploys[hostname]
	if len(artifacts) == 0 {
		return ""
	}
	return artifacts[len(artifacts)-1].Content
}

// FetchAuthorizedKeys reports the host's installed content: the tampered
// value when one was set, otherwise the most recent deploy. Nil when the
// host never received anything.
func (s *RecordingSink) FetchAuthorizedKeys(_ context.Context, hostname string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.tampered[hostname]; ok {
		return []byte(c), nil
	}
	artifacts := s.deploys[hostname]
	if len(artifacts) == 0 {
		return nil, nil
	}
	return []byte(artifacts[len(artifacts)-1].Content), nil
}

// Tamper overrides the host's installed content, simulating an
// out-of-band edit on the target.
func (s *RecordingSink) Tamper(hostname, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tampered[hostname] = content
}

// OpenStore opens a fresh in-memory sqlite registry and closes it when the
// test finishes.
func OpenStore(t *testing.T) registry.Store {
	t.Helper()
	st, err := registry.New("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory registry: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Bundle builds a key bundle for a synthetic user. The signing key doubles
// as the identity seed, so distinct names yield distinct device IDs.
func Bundle(name string) model.KeyBundle {
	return model.KeyBundle{
		SigningKey: "sign-" + name,
		Algorithm:  "ssh-ed25519",
		KeyData:    "AAAA" + name,
		Comment:    name + "@test",
	}
}
