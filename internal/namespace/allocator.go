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

// Package namespace derives the Kubernetes namespace name for a preview
// environment. The derivation is a pure function of (repository, PR
// number): redelivered or out-of-order webhook events converge on the same
// namespace with no coordination, and external tooling can compute the
// name without a database lookup.
package namespace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

// maxLength is the DNS-1123 label ceiling for namespace names.
const maxLength = 63

// hashLength is the number of repository-hash characters carried in every
// namespace name.
const hashLength = 5

// reserved lists namespace names a preview environment must never claim.
var reserved = map[string]bool{
	"default":         true,
	"kube-system":     true,
	"kube-public":     true,
	"kube-node-lease": true,
}

var invalidChars = regexp.MustCompile(`[^a-z0-9-]+`)
var hyphenRuns = regexp.MustCompile(`-+`)

// Allocate returns the namespace name for a pull request:
// {prefix}-{repoSlug}-{prNumber}-{repoHash}. The repo slug covers the
// full "owner/repo" name, lowercased and reduced to [a-z0-9-]; the hash
// covers the raw full name, so two repositories never share a namespace
// even when their sanitized slugs coincide. Names that would exceed 63
// characters are truncated in the slug, never in the number or hash. The
// result always satisfies DNS-1123 and starts with a letter as long as
// the prefix does.
func Allocate(prefix, repository string, prNumber int) string {
	sum := sha256.Sum256([]byte(strings.ToLower(repository)))
	tail := fmt.Sprintf("-%d-%s", prNumber, hex.EncodeToString(sum[:])[:hashLength])

	name := prefix + "-" + Slug(repository)
	if len(name) > maxLength-len(tail) {
		name = strings.TrimRight(name[:maxLength-len(tail)], "-")
	}
	return name + tail
}

// Slug reduces a repository full name ("owner/repo") to the DNS-safe
// component used inside namespace names. The owner stays in the slug:
// dropping it would collapse same-named repositories from different
// owners onto one namespace.
func Slug(repository string) string {
	s := strings.ToLower(repository)
	s = invalidChars.ReplaceAllString(s, "-")
	s = hyphenRuns.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// IsValid reports whether name is usable as a preview namespace.
func IsValid(name string) bool {
	if reserved[name] {
		return false
	}
	return len(validation.IsDNS1123Label(name)) == 0
}
