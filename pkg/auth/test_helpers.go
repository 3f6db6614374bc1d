// Copyright 2025 Lucia Authors
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

package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const testKeyID = "test-key-id"

func generateRSAKeyPair(t testing.TB) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	return privateKey, &privateKey.PublicKey
}

func createJWKS(t testing.TB, publicKey *rsa.PublicKey) jwk.Set {
	t.Helper()
	key, err := jwk.FromRaw(publicKey)
	if err != nil {
		t.Fatalf("Failed to wrap public key: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, testKeyID); err != nil {
		t.Fatalf("Failed to set key id: %v", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("Failed to set algorithm: %v", err)
	}

	keyset := jwk.NewSet()
	if err := keyset.AddKey(key); err != nil {
		t.Fatalf("Failed to add key: %v", err)
	}
	return keyset
}

func createTestJWT(t testing.TB, privateKey *rsa.PrivateKey, issuer, audience, subject string, claims map[string]any) string {
	t.Helper()
	token := jwt.New()
	for key, value := range map[string]any{
		jwt.IssuerKey:     issuer,
		jwt.AudienceKey:   audience,
		jwt.SubjectKey:    subject,
		jwt.IssuedAtKey:   time.Now(),
		jwt.ExpirationKey: time.Now().Add(time.Hour),
	} {
		if err := token.Set(key, value); err != nil {
			t.Fatalf("Failed to set %s: %v", key, err)
		}
	}
	for key, value := range claims {
		if err := token.Set(key, value); err != nil {
			t.Fatalf("Failed to set claim %s: %v", key, err)
		}
	}

	key, err := jwk.FromRaw(privateKey)
	if err != nil {
		t.Fatalf("Failed to wrap private key: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, testKeyID); err != nil {
		t.Fatalf("Failed to set key id: %v", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return string(signed)
}

// setupTestValidator serves a generated JWKS over httptest and builds a
// validator against it.
func setupTestValidator(t testing.TB) (*JWTValidator, *rsa.PrivateKey, string, string) {
	t.Helper()

	privateKey, publicKey := generateRSAKeyPair(t)
	keyset := createJWKS(t, publicKey)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keyset)
	}))
	t.Cleanup(server.Close)

	issuer := "https://lucia.local"
	audience := "lucia-internal"

	validator, err := NewJWTValidator(server.URL+"/.well-known/jwks.json", issuer, audience)
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}
	return validator, privateKey, issuer, audience
}
