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

// Package obo mints the opaque on-behalf-of delegation token carried on
// an envelope's obo_token field. The core never validates this token —
// signature is reserved for an integrity layer this package does not
// implement — so Mint is the only operation a dispatcher needs; Peek
// exists purely for callers that want to log or display claims without
// standing up a verifier.
package obo

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies who a workflow is running on behalf of.
type Claims struct {
	jwt.RegisteredClaims
	// UserID identifies the principal the workflow acts for.
	UserID string `json:"user_id,omitempty"`
	// Scopes lists what the delegated identity may do. The core never
	// reads this; it is opaque cargo for the agents that do.
	Scopes []string `json:"scopes,omitempty"`
}

// MintConfig configures token minting.
type MintConfig struct {
	// Secret signs the token with HS256.
	Secret []byte
	// Issuer is stamped onto the token's iss claim.
	Issuer string
	// TTL controls how long the minted token is valid for. Defaults to
	// one hour if zero or negative.
	TTL time.Duration
}

// Mint signs and returns an opaque obo_token for userID with the given
// scopes. The result is meant to be carried verbatim as
// Envelope.OBOToken; nothing in this module parses it back out.
func Mint(cfg MintConfig, userID string, scopes []string) (string, error) {
	if len(cfg.Secret) == 0 {
		return "", fmt.Errorf("obo: mint requires a non-empty secret")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		UserID: userID,
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("obo: sign token: %w", err)
	}
	return signed, nil
}

// Peek decodes a token's claims without verifying its signature or
// expiry. It exists only so an operator tool can display who a
// delegated token names; it must never be used to authorize anything,
// since the core treats obo_token as opaque and unvalidated by design.
func Peek(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	var claims Claims
	if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
		return nil, fmt.Errorf("obo: parse token: %w", err)
	}
	return &claims, nil
}
