package wire

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
)

// AccountID is an opaque, externally-assigned, globally unique identifier.
type AccountID [16]byte

// String renders the account id as lowercase hex, matching the admin HTTP
// surface's wire representation (internal/api parses the same format back
// with parseAccountID).
func (a AccountID) String() string {
	return hex.EncodeToString(a[:])
}

// DeviceID is a small unsigned integer, unique within an account.
type DeviceID uint16

// MessageKind tags the variant carried inside a DeniableMessage.
type MessageKind uint8

const (
	KindUserMessage MessageKind = iota
	KindKeyRequest
	KindKeyResponse
	KindSeedUpdate
	KindBlockRequest
	KindError
)

var ErrUnknownMessageKind = errors.New("wire: unknown deniable message kind")

// ErrServerOnlyKind is returned when a client sends a message kind only the
// proxy is permitted to produce (KeyResponse, Error).
var ErrServerOnlyKind = errors.New("wire: client sent a server-only message kind")

// UserMessage carries ratchet ciphertext addressed to a peer account.
type UserMessage struct {
	Recipient      AccountID
	CiphertextType uint8
	Ciphertext     []byte
}

// KeyRequest asks the proxy to resolve a one-time prekey bundle for Target,
// optionally scoped to a subset of devices.
type KeyRequest struct {
	Target    AccountID
	DeviceIDs []DeviceID
}

// PreKeyBundle is the material returned to satisfy a KeyRequest.
type PreKeyBundle struct {
	Device             DeviceID
	RegistrationID     uint32
	PreKeyID           uint32
	PreKeyPublic       []byte
	SignedPreKeyID     uint32
	SignedPreKeyPublic []byte
	SignedPreKeySig    []byte
}

// KeyResponse answers a KeyRequest. Only the proxy produces these.
type KeyResponse struct {
	Target      AccountID
	IdentityKey []byte
	Bundle      PreKeyBundle
}

// SeedUpdate registers (or rotates) the sender's key-derivation seed.
type SeedUpdate struct {
	Seed [32]byte
}

// BlockRequest records that the sender refuses further deniable delivery
// from Target.
type BlockRequest struct {
	Target AccountID
}

// ErrorMessage reports a routing/key-engine failure back to a requester.
// Only the proxy produces these.
type ErrorMessage struct {
	TargetAccount AccountID
	Description   string
}

// DeniableMessage is the logical (pre-chunking) content carried by the
// covert channel.
type DeniableMessage struct {
	MessageID uint32
	Kind      MessageKind

	UserMessage  UserMessage
	KeyRequest   KeyRequest
	KeyResponse  KeyResponse
	SeedUpdate   SeedUpdate
	BlockRequest BlockRequest
	Error        ErrorMessage
}

func putU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func putBytes(dst []byte, b []byte) []byte {
	dst = putU32(dst, uint32(len(b)))
	return append(dst, b...)
}

func takeU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func takeBytes(b []byte) ([]byte, []byte, error) {
	n, rest, err := takeU32(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < uint64(n) {
		return nil, nil, ErrTruncated
	}
	return append([]byte(nil), rest[:n]...), rest[n:], nil
}

// Encode serialises the DeniableMessage as the payload that will later be
// sliced into DenimChunks by the sending buffer.
func (m DeniableMessage) Encode() []byte {
	dst := make([]byte, 0, 64)
	dst = putU32(dst, m.MessageID)
	dst = append(dst, byte(m.Kind))
	switch m.Kind {
	case KindUserMessage:
		dst = append(dst, m.UserMessage.Recipient[:]...)
		dst = append(dst, m.UserMessage.CiphertextType)
		dst = putBytes(dst, m.UserMessage.Ciphertext)
	case KindKeyRequest:
		dst = append(dst, m.KeyRequest.Target[:]...)
		dst = putU32(dst, uint32(len(m.KeyRequest.DeviceIDs)))
		for _, d := range m.KeyRequest.DeviceIDs {
			dst = append(dst, byte(d>>8), byte(d))
		}
	case KindKeyResponse:
		dst = append(dst, m.KeyResponse.Target[:]...)
		dst = putBytes(dst, m.KeyResponse.IdentityKey)
		b := m.KeyResponse.Bundle
		dst = append(dst, byte(b.Device>>8), byte(b.Device))
		dst = putU32(dst, b.RegistrationID)
		dst = putU32(dst, b.PreKeyID)
		dst = putBytes(dst, b.PreKeyPublic)
		dst = putU32(dst, b.SignedPreKeyID)
		dst = putBytes(dst, b.SignedPreKeyPublic)
		dst = putBytes(dst, b.SignedPreKeySig)
	case KindSeedUpdate:
		dst = append(dst, m.SeedUpdate.Seed[:]...)
	case KindBlockRequest:
		dst = append(dst, m.BlockRequest.Target[:]...)
	case KindError:
		dst = append(dst, m.Error.TargetAccount[:]...)
		dst = putBytes(dst, []byte(m.Error.Description))
	}
	return dst
}

// DecodeDeniableMessage is the inverse of Encode, applied to a buffer that
// the receiving buffer has already reassembled from chunks.
func DecodeDeniableMessage(b []byte) (DeniableMessage, error) {
	msgID, b, err := takeU32(b)
	if err != nil {
		return DeniableMessage{}, err
	}
	if len(b) < 1 {
		return DeniableMessage{}, ErrTruncated
	}
	kind := MessageKind(b[0])
	b = b[1:]

	m := DeniableMessage{MessageID: msgID, Kind: kind}
	switch kind {
	case KindUserMessage:
		if len(b) < 17 {
			return DeniableMessage{}, ErrTruncated
		}
		copy(m.UserMessage.Recipient[:], b[:16])
		m.UserMessage.CiphertextType = b[16]
		b = b[17:]
		m.UserMessage.Ciphertext, b, err = takeBytes(b)
	case KindKeyRequest:
		if len(b) < 16 {
			return DeniableMessage{}, ErrTruncated
		}
		copy(m.KeyRequest.Target[:], b[:16])
		b = b[16:]
		var n uint32
		n, b, err = takeU32(b)
		if err != nil {
			break
		}
		if uint64(len(b)) < uint64(n)*2 {
			return DeniableMessage{}, ErrTruncated
		}
		ids := make([]DeviceID, n)
		for i := range ids {
			ids[i] = DeviceID(uint16(b[0])<<8 | uint16(b[1]))
			b = b[2:]
		}
		m.KeyRequest.DeviceIDs = ids
	case KindKeyResponse:
		if len(b) < 16 {
			return DeniableMessage{}, ErrTruncated
		}
		copy(m.KeyResponse.Target[:], b[:16])
		b = b[16:]
		m.KeyResponse.IdentityKey, b, err = takeBytes(b)
		if err != nil {
			break
		}
		if len(b) < 2 {
			return DeniableMessage{}, ErrTruncated
		}
		m.KeyResponse.Bundle.Device = DeviceID(uint16(b[0])<<8 | uint16(b[1]))
		b = b[2:]
		m.KeyResponse.Bundle.RegistrationID, b, err = takeU32(b)
		if err != nil {
			break
		}
		m.KeyResponse.Bundle.PreKeyID, b, err = takeU32(b)
		if err != nil {
			break
		}
		m.KeyResponse.Bundle.PreKeyPublic, b, err = takeBytes(b)
		if err != nil {
			break
		}
		m.KeyResponse.Bundle.SignedPreKeyID, b, err = takeU32(b)
		if err != nil {
			break
		}
		m.KeyResponse.Bundle.SignedPreKeyPublic, b, err = takeBytes(b)
		if err != nil {
			break
		}
		m.KeyResponse.Bundle.SignedPreKeySig, b, err = takeBytes(b)
	case KindSeedUpdate:
		if len(b) < 32 {
			return DeniableMessage{}, ErrTruncated
		}
		copy(m.SeedUpdate.Seed[:], b[:32])
		b = b[32:]
	case KindBlockRequest:
		if len(b) < 16 {
			return DeniableMessage{}, ErrTruncated
		}
		copy(m.BlockRequest.Target[:], b[:16])
		b = b[16:]
	case KindError:
		if len(b) < 16 {
			return DeniableMessage{}, ErrTruncated
		}
		copy(m.Error.TargetAccount[:], b[:16])
		b = b[16:]
		var desc []byte
		desc, b, err = takeBytes(b)
		m.Error.Description = string(desc)
	default:
		return DeniableMessage{}, ErrUnknownMessageKind
	}
	if err != nil {
		return DeniableMessage{}, err
	}
	return m, nil
}

// IsServerOnly reports whether kind may only legally originate at the
// proxy, never from a client.
func (k MessageKind) IsServerOnly() bool {
	return k == KindKeyResponse || k == KindError
}

// String renders kind as a metrics/log label.
func (k MessageKind) String() string {
	switch k {
	case KindUserMessage:
		return "user_message"
	case KindKeyRequest:
		return "key_request"
	case KindKeyResponse:
		return "key_response"
	case KindSeedUpdate:
		return "seed_update"
	case KindBlockRequest:
		return "block_request"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}
