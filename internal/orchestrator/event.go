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

import "fmt"

// Action is the pull request webhook action the orchestrator reacts to.
type Action string

const (
	ActionOpened      Action = "opened"
	ActionReopened    Action = "reopened"
	ActionSynchronize Action = "synchronize"
	ActionClosed      Action = "closed"
)

// Event is one webhook delivery, reduced to the fields the state machine
// needs. Repository carries the "owner/repo" full name and doubles as the
// project identifier.
type Event struct {
	Action     Action
	Repository string
	Number     int
	HeadRef    string
	HeadSHA    string
}

// Key returns the serialization key: all events for the same
// (project, PR) pair are applied in order, events for different pairs run
// concurrently.
func (e Event) Key() string {
	return fmt.Sprintf("%s#%d", e.Repository, e.Number)
}

// Validate rejects payloads the orchestrator cannot act on.
func (e Event) Validate() error {
	switch e.Action {
	case ActionOpened, ActionReopened, ActionSynchronize, ActionClosed:
	default:
		return fmt.Errorf("unsupported action %q", e.Action)
	}
	if e.Repository == "" {
		return fmt.Errorf("event has no repository")
	}
	if e.Number <= 0 {
		return fmt.Errorf("event has invalid pull request number %d", e.Number)
	}
	return nil
}
