// Package ratchet defines the black-box session-encryption boundary this
// system treats as an external collaborator: the ratchet session
// encryption itself is out of scope. Only the interface the deniable core
// depends on lives here, plus one concrete, non-hardened implementation
// used by integration tests and the load-test driver so they have
// something real to call through the interface.
package ratchet

import "context"

// Ratchet is the minimal surface the deniable core needs from the
// underlying secure-messaging session: encrypt/decrypt keyed by peer, plus
// ingestion of a prekey bundle fetched through the deniable key-engine.
type Ratchet interface {
	Encrypt(ctx context.Context, peer [16]byte, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, peer [16]byte, ciphertext []byte) ([]byte, error)
	IngestPreKeyBundle(ctx context.Context, peer [16]byte, bundle PreKeyBundle) error
}

// PreKeyBundle mirrors the fields a ratchet session needs to establish a
// new peer relationship; it is intentionally a plain struct rather than an
// import of wire.PreKeyBundle so this package has no dependency on the
// transport codec.
type PreKeyBundle struct {
	IdentityKey        []byte
	RegistrationID     uint32
	PreKeyID           uint32
	PreKeyPublic       []byte
	SignedPreKeyID     uint32
	SignedPreKeyPublic []byte
	SignedPreKeySig    []byte
}
