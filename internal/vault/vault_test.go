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

package vault

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestVault_RoundTrip(t *testing.T) {
	v, err := New(testSecret)
	require.NoError(t, err)

	for _, plain := range []string{"", "ya29.a0AfH6SMB", strings.Repeat("x", 4096)} {
		ct, err := v.Encrypt(plain)
		require.NoError(t, err)

		got, err := v.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestVault_EncryptIsRandomised(t *testing.T) {
	v, err := New(testSecret)
	require.NoError(t, err)

	a, _ := v.Encrypt("token")
	b, _ := v.Encrypt("token")
	assert.NotEqual(t, a, b)
}

func TestVault_KeyMismatch(t *testing.T) {
	v1, err := New(testSecret)
	require.NoError(t, err)
	v2, err := New(strings.Repeat("z", 32))
	require.NoError(t, err)

	ct, err := v1.Encrypt("refresh-token")
	require.NoError(t, err)

	_, err = v2.Decrypt(ct)
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestVault_MalformedCiphertext(t *testing.T) {
	v, err := New(testSecret)
	require.NoError(t, err)

	for _, ct := range []string{"", "!!not-base64!!", "AQID"} {
		_, err := v.Decrypt(ct)
		assert.ErrorIs(t, err, ErrCrypto, "ciphertext %q", ct)
	}
}

func TestVault_TamperedCiphertext(t *testing.T) {
	v, err := New(testSecret)
	require.NoError(t, err)

	ct, err := v.Encrypt("access")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(ct)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff

	_, err = v.Decrypt(base64.RawURLEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestNew_ShortSecret(t *testing.T) {
	_, err := New("short")
	assert.Error(t, err)
}
