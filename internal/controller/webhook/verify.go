// Copyright 2025 Tom Barlow
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

// Package webhook is the GitHub webhook ingress: signature verification,
// envelope parsing and the HTTP handler that feeds deliveries to a Router.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// Result is the outcome of signature verification.
type Result int

const (
	Valid Result = iota
	MissingHeader
	InvalidSignature
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case MissingHeader:
		return "missing_header"
	default:
		return "invalid_signature"
	}
}

// Verify checks header against the HMAC-SHA256 of body keyed with secret.
// The comparison is constant time.
func Verify(secret, body []byte, header string) Result {
	if header == "" {
		return MissingHeader
	}
	sig, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return InvalidSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return InvalidSignature
	}
	if !hmac.Equal(got, mac(secret, body)) {
		return InvalidSignature
	}
	return Valid
}

// Sign returns the header value GitHub would send for body.
func Sign(secret, body []byte) string {
	return signaturePrefix + hex.EncodeToString(mac(secret, body))
}

func mac(secret, body []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write(body)
	return m.Sum(nil)
}
