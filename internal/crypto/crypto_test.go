package crypto

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeyFile(t *testing.T, dir, name string, key []byte, asBase64 bool) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := key
	if asBase64 {
		content = []byte(base64.StdEncoding.EncodeToString(key))
	}
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func randKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestHash_StableAndHex(t *testing.T) {
	h1 := Hash("aic_example")
	h2 := Hash("aic_example")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.Regexp(t, `^[0-9a-f]{64}$`, h1)
}

func TestGenerateClientCredential_Shape(t *testing.T) {
	cred, err := GenerateClientCredential()
	require.NoError(t, err)
	assert.Regexp(t, `^aic_`, cred.Plaintext)
	assert.Len(t, cred.Prefix, 12)
	assert.Equal(t, Hash(cred.Plaintext), cred.Hash)

	other, err := GenerateClientCredential()
	require.NoError(t, err)
	assert.NotEqual(t, cred.Plaintext, other.Plaintext)
}

func TestLoadMasterKey_RawAndBase64(t *testing.T) {
	dir := t.TempDir()
	key := randKey(t)

	rawPath := writeKeyFile(t, dir, "master.key", key, false)
	svc := NewService(1)
	require.NoError(t, svc.LoadMasterKey(rawPath, 1))
	assert.True(t, svc.IsEnabled())

	b64Path := writeKeyFile(t, dir, "master2.key", key, true)
	svc2 := NewService(1)
	require.NoError(t, svc2.LoadMasterKey(b64Path, 1))
	assert.True(t, svc2.IsEnabled())
}

func TestLoadMasterKey_VersionedFallback(t *testing.T) {
	dir := t.TempDir()
	key := randKey(t)
	writeKeyFile(t, dir, "master.key.v2", key, false)

	svc := NewService(2)
	err := svc.LoadMasterKey(filepath.Join(dir, "master.key"), 2)
	require.NoError(t, err)
	assert.True(t, svc.IsEnabled())
}

func TestLoadMasterKey_WrongLength(t *testing.T) {
	dir := t.TempDir()
	path := writeKeyFile(t, dir, "short.key", []byte("too-short"), false)

	svc := NewService(1)
	err := svc.LoadMasterKey(path, 1)
	assert.Error(t, err)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writeKeyFile(t, dir, "master.key", randKey(t), false)
	svc := NewService(1)
	require.NoError(t, svc.LoadMasterKey(path, 1))

	rec, err := svc.Encrypt("sk-upstream-secret", "upstream-key-1")
	require.NoError(t, err)
	assert.Len(t, rec.IV, gcmIVLength)
	assert.Len(t, rec.Tag, gcmTagLength)

	plaintext, err := svc.Decrypt(rec)
	require.NoError(t, err)
	assert.Equal(t, "sk-upstream-secret", plaintext)
}

func TestDecrypt_KeyNotLoaded(t *testing.T) {
	svc := NewService(1)
	_, err := svc.Decrypt(EncryptedRecord{KeyVersion: 1, IV: make([]byte, gcmIVLength), Ciphertext: []byte("x"), Tag: make([]byte, gcmTagLength)})
	var decErr *DecryptError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, "key_not_loaded", decErr.Kind)
}

func TestDecrypt_TamperDetected(t *testing.T) {
	dir := t.TempDir()
	path := writeKeyFile(t, dir, "master.key", randKey(t), false)
	svc := NewService(1)
	require.NoError(t, svc.LoadMasterKey(path, 1))

	rec, err := svc.Encrypt("sk-upstream-secret", "")
	require.NoError(t, err)

	rec.Ciphertext[0] ^= 0xFF

	_, err = svc.Decrypt(rec)
	var decErr *DecryptError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, "tamper", decErr.Kind)
}

func TestMaskHash_NeverExposesFullValue(t *testing.T) {
	full := Hash("something-sensitive")
	masked := MaskHash(full)
	assert.NotEqual(t, full, masked)
	assert.Less(t, len(masked), len(full))
}
