// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package registry

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/keywarden/keywarden/internal/graph"
	"github.com/keywarden/keywarden/internal/label"
)

// ImportHosts reads a hosts list (one hostname per line, blank lines and
// '#' comments skipped), derives each host's label and binds it in the
// store. Already-bound hosts are counted as skipped; a collision aborts the
// import so the operator sees it immediately.
func ImportHosts(st Store, cfg graph.Config, r io.Reader) (bound, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		hostname := strings.TrimSpace(scanner.Text())
		if hostname == "" || strings.HasPrefix(hostname, "#") {
			continue
		}
		existing, err := st.HostByName(hostname)
		if err != nil {
			return bound, skipped, fmt.Errorf("failed to look up host %q: %w", hostname, err)
		}
		if existing != nil {
			skipped++
			continue
		}
		if _, err := st.BindHost(hostname, label.Derive(cfg, hostname)); err != nil {
			return bound, skipped, fmt.Errorf("failed to bind host %q: %w", hostname, err)
		}
		bound++
	}
	if err := scanner.Err(); err != nil {
		return bound, skipped, fmt.Errorf("failed to read hosts list: %w", err)
	}
	return bound, skipped, nil
}

// ImportHostsFile imports a hosts.txt-style file from disk.
func ImportHostsFile(st Store, cfg graph.Config, path string) (bound, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open hosts file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ImportHosts(st, cfg, f)
}
