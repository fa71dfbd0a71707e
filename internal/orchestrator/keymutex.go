// Copyright 2025 The Orbitd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import "sync"

// keyMutex serializes work per key. Entries are reference-counted and
// removed when the last holder unlocks, so the map does not grow with the
// total number of pull requests ever seen.
type keyMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyMutex() *keyMutex {
	return &keyMutex{entries: make(map[string]*keyEntry)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (km *keyMutex) Lock(key string) func() {
	km.mu.Lock()
	entry, ok := km.entries[key]
	if !ok {
		entry = &keyEntry{}
		km.entries[key] = entry
	}
	entry.refs++
	km.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		km.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(km.entries, key)
		}
		km.mu.Unlock()
	}
}
