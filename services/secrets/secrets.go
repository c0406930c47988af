// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
// Package secrets holds provider credentials in encrypted memory.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrNotFound is returned for a secret that was never loaded.
var ErrNotFound = errors.New("secrets: not found")

// Manager keeps named secrets sealed in memguard enclaves.
//
// Description:
//
//	Values are sealed on load and only decrypted for the duration of a
//	Use callback. The plaintext buffer is destroyed when the callback
//	returns, so callers must copy anything they keep.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	sealed  map[string]*memguard.Enclave
	lookup  func(string) (string, bool)
	cleared bool
}

// NewManager returns a manager that reads from the process environment.
func NewManager() *Manager {
	return &Manager{
		sealed: make(map[string]*memguard.Enclave),
		lookup: os.LookupEnv,
	}
}

// Put seals value under name. Empty values are rejected.
func (m *Manager) Put(name string, value []byte) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("secrets: name must not be empty")
	}
	if len(value) == 0 {
		return fmt.Errorf("secrets: %s: empty value", name)
	}
	// NewEnclave wipes value.
	enclave := memguard.NewEnclave(value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed[name] = enclave
	m.cleared = false
	return nil
}

// LoadEnv seals the named environment variables and unsets them.
//
// Outputs:
//   - []string: Names that were absent or empty, sorted.
//   - error: Non-nil if a variable could not be sealed.
func (m *Manager) LoadEnv(names ...string) ([]string, error) {
	var missing []string
	for _, name := range names {
		v, ok := m.lookup(name)
		if !ok || v == "" {
			missing = append(missing, name)
			continue
		}
		if err := m.Put(name, []byte(v)); err != nil {
			return nil, err
		}
		_ = os.Unsetenv(name)
	}
	sort.Strings(missing)
	return missing, nil
}

// Has reports whether name is loaded.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sealed[name]
	return ok
}

// Use decrypts name and passes the plaintext to fn.
//
// Inputs:
//   - name: The secret name.
//   - fn: Receives the plaintext. It must not retain the slice.
//
// Outputs:
//   - error: ErrNotFound, a decryption error, or fn's error.
func (m *Manager) Use(name string, fn func(secret []byte) error) error {
	m.mu.RLock()
	enclave, ok := m.sealed[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("secrets: open %s: %w", name, err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// String decrypts name into an ordinary string for clients that need one.
func (m *Manager) String(name string) (string, error) {
	var out string
	err := m.Use(name, func(secret []byte) error {
		out = string(secret)
		return nil
	})
	return out, err
}

// Names returns the loaded secret names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sealed))
	for n := range m.sealed {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close drops every enclave and wipes memguard's session key.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleared {
		return
	}
	m.sealed = make(map[string]*memguard.Enclave)
	m.cleared = true
	memguard.Purge()
}
