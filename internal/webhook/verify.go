// Copyright (c) 2026 John Earle
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
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

// ErrUnauthorized is returned when a push token fails verification.
var ErrUnauthorized = errors.New("unauthorized push")

var googleIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

// validateFunc checks a Google-signed ID token for an audience.
type validateFunc func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

// PubSubVerifier authenticates Pub/Sub push requests by validating the
// OIDC token Pub/Sub attaches for the push subscription's service account.
type PubSubVerifier struct {
	audience       string
	serviceAccount string
	validate       validateFunc
}

// NewPubSubVerifier creates a verifier that accepts tokens minted for
// audience by serviceAccount.
func NewPubSubVerifier(ctx context.Context, audience, serviceAccount string) (*PubSubVerifier, error) {
	v, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("create id token validator: %w", err)
	}
	return &PubSubVerifier{
		audience:       audience,
		serviceAccount: serviceAccount,
		validate:       v.Validate,
	}, nil
}

// Verify checks the "Bearer <jwt>" Authorization header value.
func (v *PubSubVerifier) Verify(ctx context.Context, authorization string) error {
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	payload, err := v.validate(ctx, strings.TrimSpace(token), v.audience)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !googleIssuers[payload.Issuer] {
		return fmt.Errorf("%w: unexpected issuer %q", ErrUnauthorized, payload.Issuer)
	}

	email, _ := payload.Claims["email"].(string)
	verified, _ := payload.Claims["email_verified"].(bool)
	if !verified || !strings.EqualFold(email, v.serviceAccount) {
		return fmt.Errorf("%w: token not issued to %s", ErrUnauthorized, v.serviceAccount)
	}
	return nil
}

// VerifySignature reports whether header is the hex HMAC-SHA256 of body
// under secret. An optional "sha256=" prefix is accepted.
func VerifySignature(secret, body []byte, header string) bool {
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	got, err := hex.DecodeString(header)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
