package ratchet

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
)

// xorRatchet is a deliberately simple, non-hardened Ratchet used by tests
// and the load-test driver: per-peer symmetric keystream derived from a
// shared static key, XORed with the plaintext. It exists only so callers
// on either side of the Ratchet boundary have something to drive; it makes
// no claim to forward secrecy or deniability of its own and must never be
// used outside test/load-test contexts.
type xorRatchet struct {
	mu   sync.Mutex
	key  [32]byte
	seen map[[16]byte]PreKeyBundle
}

// NewDevRatchet returns a Ratchet keyed by a static shared secret, for use
// in tests and load generation only.
func NewDevRatchet(sharedKey [32]byte) Ratchet {
	return &xorRatchet{key: sharedKey, seen: make(map[[16]byte]PreKeyBundle)}
}

var ErrUnknownPeer = errors.New("ratchet: no prekey bundle ingested for peer")

func (r *xorRatchet) keystream(peer [16]byte, n int) []byte {
	out := make([]byte, 0, n)
	counter := 0
	for len(out) < n {
		h := sha256.New()
		h.Write(r.key[:])
		h.Write(peer[:])
		h.Write([]byte{byte(counter)})
		out = append(out, h.Sum(nil)...)
		counter++
	}
	return out[:n]
}

func (r *xorRatchet) Encrypt(_ context.Context, peer [16]byte, plaintext []byte) ([]byte, error) {
	ks := r.keystream(peer, len(plaintext))
	out := make([]byte, len(plaintext))
	for i := range plaintext {
		out[i] = plaintext[i] ^ ks[i]
	}
	return out, nil
}

func (r *xorRatchet) Decrypt(ctx context.Context, peer [16]byte, ciphertext []byte) ([]byte, error) {
	return r.Encrypt(ctx, peer, ciphertext) // XOR is its own inverse
}

func (r *xorRatchet) IngestPreKeyBundle(_ context.Context, peer [16]byte, bundle PreKeyBundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[peer] = bundle
	return nil
}
