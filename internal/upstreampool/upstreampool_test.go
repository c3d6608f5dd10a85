package upstreampool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/anthropic-gateway/internal/crypto"
	"github.com/HanTheDev/anthropic-gateway/internal/models"
)

type fakeSource struct {
	creds []models.UpstreamCredential
	err   error
}

func (f *fakeSource) ListActiveUpstreamCredentials(ctx context.Context) ([]models.UpstreamCredential, error) {
	return f.creds, f.err
}

func newEnabledCrypto(t *testing.T) *crypto.Service {
	t.Helper()
	dir := t.TempDir()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	path := filepath.Join(dir, "master.key")
	require.NoError(t, os.WriteFile(path, key, 0o600))
	svc := crypto.NewService(1)
	require.NoError(t, svc.LoadMasterKey(path, 1))
	return svc
}

func encryptedCred(t *testing.T, svc *crypto.Service, keyID, plaintext string) models.UpstreamCredential {
	t.Helper()
	rec, err := svc.Encrypt(plaintext, keyID)
	require.NoError(t, err)
	return models.UpstreamCredential{
		UpstreamKeyID: keyID,
		IV:            rec.IV,
		Ciphertext:    rec.Ciphertext,
		Tag:           rec.Tag,
		AAD:           rec.AAD,
		KeyVersion:    rec.KeyVersion,
	}
}

func TestPool_NextKey_EmptyReturnsErrEmpty(t *testing.T) {
	p := New(&fakeSource{}, crypto.NewService(1), false, nil)
	_, err := p.NextKey()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPool_Refresh_EmptyEverywhereReturnsErrEmpty(t *testing.T) {
	p := New(&fakeSource{}, crypto.NewService(1), false, nil)
	n, err := p.Refresh(context.Background())
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPool_Refresh_FallbackOnly(t *testing.T) {
	p := New(&fakeSource{}, crypto.NewService(1), false, []string{"key-a", "key-b", "key-a"})
	n, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "duplicate fallback entries must be deduplicated")
	assert.Equal(t, 2, p.Size())
}

func TestPool_Refresh_DatabaseUnionsWithFallbackDeduped(t *testing.T) {
	svc := newEnabledCrypto(t)
	source := &fakeSource{creds: []models.UpstreamCredential{
		encryptedCred(t, svc, "up-1", "shared-key"),
		encryptedCred(t, svc, "up-2", "db-only-key"),
	}}
	p := New(source, svc, true, []string{"shared-key", "fallback-only-key"})
	n, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPool_Refresh_SkipsUndecryptableEntries(t *testing.T) {
	svc := newEnabledCrypto(t)
	good := encryptedCred(t, svc, "up-1", "good-key")
	bad := good
	bad.UpstreamKeyID = "up-2"
	bad.Ciphertext = append([]byte(nil), bad.Ciphertext...)
	bad.Ciphertext[0] ^= 0xFF

	source := &fakeSource{creds: []models.UpstreamCredential{good, bad}}
	p := New(source, svc, true, nil)
	n, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one entry fails decryption and is skipped, not fatal")
}

func TestPool_Refresh_StoreErrorFallsBackToStaticKeys(t *testing.T) {
	svc := newEnabledCrypto(t)
	source := &fakeSource{err: errors.New("connection refused")}
	p := New(source, svc, true, []string{"fallback-key"})
	n, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPool_NextKey_RoundRobinFairness(t *testing.T) {
	p := New(&fakeSource{}, crypto.NewService(1), false, []string{"a", "b", "c"})
	_, err := p.Refresh(context.Background())
	require.NoError(t, err)

	counts := map[string]int{}
	for i := 0; i < 9; i++ {
		k, err := p.NextKey()
		require.NoError(t, err)
		counts[k]++
	}
	assert.Equal(t, 3, counts["a"])
	assert.Equal(t, 3, counts["b"])
	assert.Equal(t, 3, counts["c"])
}

func TestFloorMod_HandlesNegativeAndWraparound(t *testing.T) {
	assert.EqualValues(t, 2, floorMod(-1, 3))
	assert.EqualValues(t, 0, floorMod(3, 3))
	assert.EqualValues(t, 1, floorMod(-2, 3))
}

func TestPool_DatabaseEnabled(t *testing.T) {
	disabledCrypto := crypto.NewService(1)
	p1 := New(&fakeSource{}, disabledCrypto, true, nil)
	assert.False(t, p1.DatabaseEnabled(), "crypto not loaded means database keys can't be decrypted")

	svc := newEnabledCrypto(t)
	p2 := New(&fakeSource{}, svc, true, nil)
	assert.True(t, p2.DatabaseEnabled())

	p3 := New(&fakeSource{}, svc, false, nil)
	assert.False(t, p3.DatabaseEnabled())
}
