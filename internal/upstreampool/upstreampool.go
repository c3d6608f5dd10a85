// Package upstreampool holds the decrypted upstream credentials used to
// authenticate to the provider (C4): an immutable ordered sequence with
// round-robin selection and atomic hot-swap on refresh.
package upstreampool

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/HanTheDev/anthropic-gateway/internal/crypto"
	"github.com/HanTheDev/anthropic-gateway/internal/models"
)

// ErrEmpty is returned by Refresh/startup when no upstream credential
// could be loaded from either the store or the static fallback list.
var ErrEmpty = errors.New("no upstream api keys available")

// CredentialSource is the read side of the credential store the pool
// needs: the active, encrypted upstream credentials.
type CredentialSource interface {
	ListActiveUpstreamCredentials(ctx context.Context) ([]models.UpstreamCredential, error)
}

// Pool is single-writer (Refresh), many-reader: readers load one
// immutable snapshot per NextKey call, and the rotation counter is a
// plain atomic increment that is never reset on refresh.
type Pool struct {
	keys    atomic.Pointer[[]string]
	counter atomic.Int64

	source       CredentialSource
	crypto       *crypto.Service
	useDatabase  bool
	fallbackKeys []string
}

// New constructs a Pool. Call Refresh once at startup before serving
// traffic; startup should fail if Refresh returns ErrEmpty.
func New(source CredentialSource, cryptoSvc *crypto.Service, useDatabase bool, fallbackKeys []string) *Pool {
	p := &Pool{
		source:       source,
		crypto:       cryptoSvc,
		useDatabase:  useDatabase,
		fallbackKeys: fallbackKeys,
	}
	empty := []string{}
	p.keys.Store(&empty)
	return p
}

// NextKey returns the next upstream credential in round-robin order.
// floorMod (not remainder) keeps the index valid even after the counter
// wraps the signed-integer boundary.
func (p *Pool) NextKey() (string, error) {
	keys := *p.keys.Load()
	if len(keys) == 0 {
		return "", ErrEmpty
	}
	idx := floorMod(p.counter.Add(1)-1, int64(len(keys)))
	return keys[idx], nil
}

func floorMod(a, n int64) int64 {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// Size returns the number of keys in the current snapshot.
func (p *Pool) Size() int {
	return len(*p.keys.Load())
}

// DatabaseEnabled reports whether database-backed key loading is active.
func (p *Pool) DatabaseEnabled() bool {
	return p.useDatabase && p.crypto.IsEnabled()
}

// Refresh re-reads the store's active upstream credentials, decrypts
// each, optionally unions the static fallback list (store-decrypted
// entries first, deduplicated), and atomically swaps in the new
// sequence. A single decryption failure logs and skips that entry; it
// does not abort the refresh as long as at least one key loads.
func (p *Pool) Refresh(ctx context.Context) (int, error) {
	var loaded []string
	seen := make(map[string]bool)

	if p.useDatabase && p.crypto.IsEnabled() {
		creds, err := p.source.ListActiveUpstreamCredentials(ctx)
		if err != nil {
			log.Error().Str("component", "upstream_pool").Err(err).Msg("failed to list upstream credentials")
		} else {
			for _, c := range creds {
				plaintext, err := p.crypto.Decrypt(crypto.EncryptedRecord{
					IV:         c.IV,
					Ciphertext: c.Ciphertext,
					Tag:        c.Tag,
					AAD:        c.AAD,
					KeyVersion: c.KeyVersion,
				})
				if err != nil {
					log.Error().Str("component", "upstream_pool").Str("upstream_key_id", c.UpstreamKeyID).Err(err).
						Msg("failed to decrypt upstream credential, skipping")
					continue
				}
				if !seen[plaintext] {
					seen[plaintext] = true
					loaded = append(loaded, plaintext)
				}
			}
		}
	}

	for _, k := range p.fallbackKeys {
		if k != "" && !seen[k] {
			seen[k] = true
			loaded = append(loaded, k)
		}
	}

	if len(loaded) == 0 {
		return 0, ErrEmpty
	}

	snapshot := loaded
	p.keys.Store(&snapshot)
	log.Info().Str("component", "upstream_pool").Int("key_count", len(loaded)).Msg("upstream key pool refreshed")
	return len(loaded), nil
}
