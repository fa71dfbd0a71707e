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

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestValidSignature(t *testing.T) {
	payload := []byte(`{"action":"opened"}`)
	secret := "webhook-secret"

	tests := []struct {
		name   string
		header string
		secret string
		want   bool
	}{
		{"valid", sign(payload, secret), secret, true},
		{"wrong secret", sign(payload, "other-secret"), secret, false},
		{"empty header", "", secret, false},
		{"empty secret", sign(payload, secret), "", false},
		{"missing prefix", hex.EncodeToString([]byte("deadbeef")), secret, false},
		{"garbage hex", "sha256=not-hex-at-all", secret, false},
		{"truncated mac", sign(payload, secret)[:20], secret, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidSignature(payload, tt.header, tt.secret); got != tt.want {
				t.Errorf("ValidSignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidSignatureTamperedPayload(t *testing.T) {
	secret := "webhook-secret"
	header := sign([]byte(`{"action":"opened"}`), secret)

	if ValidSignature([]byte(`{"action":"closed"}`), header, secret) {
		t.Error("signature over a different payload must not verify")
	}
}
