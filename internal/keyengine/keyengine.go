// Package keyengine derives deterministic one-time prekeys from a shared
// 32-byte seed, using a ChaCha20 keystream as the CSPRNG. Two peers that
// call store_seed with the same seed and then advance in lockstep will
// materialize identical prekeys in identical order.
package keyengine

import (
	"crypto/cipher"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/crypto/chacha20"
)

// K is the number of units the key-material cursor advances per call to
// NextPreKey, while the key-id cursor advances by one, keeping
// material_offset == K * id_offset (spec §8 property 5).
const K = 8

// wordSize is the width, in bytes, of one stream word: each prekey reads
// K*wordSize = 64 keystream bytes, one ChaCha20 block. The material offset
// itself is used as the ChaCha20 block counter (see deriveMaterial).
const wordSize = 8

var (
	// ErrNoSeed is returned when a caller asks for a prekey on a
	// peer-device that has not yet registered a seed. It is a recoverable
	// error: callers turn it into a queued request (see package router).
	ErrNoSeed = errors.New("keyengine: no seed registered for peer device")

	// ErrCatchUpExhausted is returned when CatchUpTo derives maxCatchUp
	// prekeys without ever producing the requested id. Prekey ids are
	// pseudorandom 32-bit values with no numeric relation to the cursor
	// position, so an id that was never actually issued from this seed
	// would otherwise search forever.
	ErrCatchUpExhausted = errors.New("keyengine: exhausted catch-up window without matching id")
)

// maxCatchUp bounds how many prekeys CatchUpTo will derive while searching
// for a requested id, matching the assumption that chunk reordering only
// puts a receiver a handful of prekeys behind, never thousands.
const maxCatchUp = 4096

// PreKey is one deterministically-derived one-time prekey.
type PreKey struct {
	ID     uint32
	Public ed25519.PublicKey
}

type cursor struct {
	seed       [32]byte
	idOffset   uint32
	matOffset  uint64
}

// Engine tracks per-(account,device) seed state and derives prekeys from
// it. Safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	peers map[peerKey]*cursor
}

type peerKey struct {
	account [16]byte
	device  uint16
}

// New returns an empty key engine.
func New() *Engine {
	return &Engine{peers: make(map[peerKey]*cursor)}
}

func key(account [16]byte, device uint16) peerKey {
	return peerKey{account: account, device: device}
}

// StoreSeed registers (or rotates) a peer's seed. Rotation resets both
// cursors to offset 0, matching the "forking is forbidden — rotate through
// an explicit SeedUpdate" rule.
func (e *Engine) StoreSeed(account [16]byte, device uint16, seed [32]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[key(account, device)] = &cursor{seed: seed}
}

// HasSeed reports whether a seed has been registered for the peer-device.
func (e *Engine) HasSeed(account [16]byte, device uint16) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.peers[key(account, device)]
	return ok
}

// NextPreKey advances both cursors by exactly one key's worth and returns
// the newly materialized prekey.
func (e *Engine) NextPreKey(account [16]byte, device uint16) (PreKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.peers[key(account, device)]
	if !ok {
		return PreKey{}, ErrNoSeed
	}
	return advance(c), nil
}

// CatchUpTo repeatedly derives prekeys, advancing the cursor forward one
// key at a time, until one of them materializes with the requested id,
// mirroring the client-side behaviour of deriving forward when an incoming
// PreKeySignalMessage references an id the local cursor has not yet
// materialized. The requested id is the pseudorandom prekey id itself, not
// a cursor position, so the search has no numeric relation to idOffset and
// is bounded by maxCatchUp instead.
func (e *Engine) CatchUpTo(account [16]byte, device uint16, id uint32) (PreKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.peers[key(account, device)]
	if !ok {
		return PreKey{}, ErrNoSeed
	}
	for i := 0; i < maxCatchUp; i++ {
		pk := advance(c)
		if pk.ID == id {
			return pk, nil
		}
	}
	return PreKey{}, ErrCatchUpExhausted
}

// RewindTo resets a peer's cursors to an earlier id, used when chunk
// reordering causes a key request to be observed out of the expected
// sequence.
func (e *Engine) RewindTo(account [16]byte, device uint16, id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.peers[key(account, device)]
	if !ok {
		return ErrNoSeed
	}
	c.idOffset = id
	c.matOffset = uint64(id) * K
	return nil
}

// Offsets reports the current (idOffset, materialOffset) pair, exposed for
// the offset-consistency property test.
func (e *Engine) Offsets(account [16]byte, device uint16) (id uint32, material uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.peers[key(account, device)]
	if !ok {
		return 0, 0, ErrNoSeed
	}
	return c.idOffset, c.matOffset, nil
}

func advance(c *cursor) PreKey {
	id := deriveKeyID(c.seed, c.idOffset)
	pub := deriveMaterial(c.seed, c.matOffset, K*wordSize)
	c.idOffset++
	c.matOffset += K
	return PreKey{ID: id, Public: pub}
}

// deriveKeyID produces the nth 32-bit prekey id from a ChaCha20 keystream
// keyed by the full 32-byte shared seed, with n in the nonce; the seed is
// not truncated. A fixed nonce byte keeps this stream distinct from the
// material cursor's zero-nonce stream for every n, including 0.
func deriveKeyID(seed [32]byte, n uint32) uint32 {
	var nonce [12]byte
	binary.LittleEndian.PutUint32(nonce[:4], n)
	nonce[11] = 1
	s, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce[:])
	if err != nil {
		panic(err) // seed/nonce are fixed-size; this cannot fail
	}
	var out [4]byte
	s.XORKeyStream(out[:], out[:])
	return binary.BigEndian.Uint32(out[:])
}

// deriveMaterial produces n bytes of keystream starting at ChaCha20 block
// offsetWords (64-byte blocks) of the full-seed CSPRNG, then folds them
// into an Ed25519 keypair's seed to materialize the public key.
func deriveMaterial(seed [32]byte, offsetWords uint64, n int) ed25519.PublicKey {
	var nonce [12]byte
	s, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce[:])
	if err != nil {
		panic(err)
	}
	s.SetCounter(uint32(offsetWords))

	keystream := make([]byte, n)
	advanceCipher(s, keystream)

	var seedBytes [ed25519.SeedSize]byte
	copy(seedBytes[:], keystream)
	priv := ed25519.NewKeyFromSeed(seedBytes[:])
	return priv.Public().(ed25519.PublicKey)
}

func advanceCipher(s *chacha20.Cipher, dst []byte) {
	var zero [64]byte
	remaining := dst
	for len(remaining) > 0 {
		n := len(remaining)
		if n > len(zero) {
			n = len(zero)
		}
		var block [64]byte
		s.XORKeyStream(block[:n], zero[:n])
		copy(remaining[:n], block[:n])
		remaining = remaining[n:]
	}
}

var _ cipher.Stream = (*chacha20.Cipher)(nil)
