package ratchet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDevRatchetEncryptDecryptRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], "shared-secret-for-integration-t")
	r := NewDevRatchet(key)

	peer := [16]byte{1, 2, 3}
	plaintext := []byte("deniable payload carried over the overt channel")

	ciphertext, err := r.Encrypt(context.Background(), peer, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decoded, err := r.Decrypt(context.Background(), peer, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}

func TestDevRatchetKeystreamIsPerPeer(t *testing.T) {
	var key [32]byte
	copy(key[:], "shared-secret-for-integration-t")
	r := NewDevRatchet(key)

	plaintext := []byte("identical message to two peers")
	peerA := [16]byte{1}
	peerB := [16]byte{2}

	ctA, err := r.Encrypt(context.Background(), peerA, plaintext)
	require.NoError(t, err)
	ctB, err := r.Encrypt(context.Background(), peerB, plaintext)
	require.NoError(t, err)

	require.NotEqual(t, ctA, ctB)
}

func TestDevRatchetIngestPreKeyBundle(t *testing.T) {
	var key [32]byte
	r := NewDevRatchet(key).(*xorRatchet)

	peer := [16]byte{9}
	bundle := PreKeyBundle{PreKeyID: 7, PreKeyPublic: []byte("pub")}

	err := r.IngestPreKeyBundle(context.Background(), peer, bundle)
	require.NoError(t, err)

	r.mu.Lock()
	stored, ok := r.seen[peer]
	r.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, bundle, stored)
}
