package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// NonceSize is fixed by the NaCl box construction.
const NonceSize = 24

// AlgorithmNaClBox identifies the only construction this engine currently
// produces. It is recorded on every envelope so a future format migration
// can still decode old ciphertext.
const AlgorithmNaClBox = "nacl-box-x25519-xsalsa20-poly1305"

// Envelope is an encrypted payload as stored and transmitted. Plaintext
// never appears outside the two endpoints.
type Envelope struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Algorithm  string `json:"algorithm"`
}

// EncryptForRecipient seals plaintext for the recipient's public key,
// authenticated by the sender's private key. The nonce is always drawn fresh
// from the engine's randomness source; there is deliberately no way for a
// caller to supply one.
func EncryptForRecipient(plaintext []byte, recipientPub, senderPriv [KeySize]byte) (Envelope, error) {
	if len(plaintext) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty plaintext", ErrEncrypt)
	}
	var nonce [NonceSize]byte
	if err := readRandom(nonce[:]); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrEncrypt, err)
	}
	ct := box.Seal(nil, plaintext, &nonce, &recipientPub, &senderPriv)
	return Envelope{
		Ciphertext: ct,
		Nonce:      append([]byte(nil), nonce[:]...),
		Algorithm:  AlgorithmNaClBox,
	}, nil
}

// DecryptFromSender opens an envelope produced by EncryptForRecipient.
// Authentication failure, a corrupted ciphertext, or an unknown algorithm all
// yield ErrDecrypt; callers must surface the message as unreadable rather
// than guess at content.
func DecryptFromSender(env Envelope, senderPub, recipientPriv [KeySize]byte) ([]byte, error) {
	if env.Algorithm != AlgorithmNaClBox {
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrDecrypt, env.Algorithm)
	}
	if len(env.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: invalid nonce length %d", ErrDecrypt, len(env.Nonce))
	}
	if len(env.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrDecrypt)
	}
	var nonce [NonceSize]byte
	copy(nonce[:], env.Nonce)
	plaintext, ok := box.Open(nil, env.Ciphertext, &nonce, &senderPub, &recipientPriv)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// KeyFromBytes converts raw key bytes into the fixed-size form, rejecting
// malformed lengths.
func KeyFromBytes(b []byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	if len(b) != KeySize {
		return key, errors.New("crypto: invalid key length")
	}
	copy(key[:], b)
	return key, nil
}
