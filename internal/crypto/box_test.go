package crypto

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func deterministicReader(size int) *bytes.Reader {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return bytes.NewReader(buf)
}

func testKeyPairs(t *testing.T) (sender, recipient KeyPair) {
	t.Helper()
	now := time.Now().UTC()
	var err error
	sender, err = GenerateKeyPair(now)
	if err != nil {
		t.Fatalf("sender keypair: %v", err)
	}
	recipient, err = GenerateKeyPair(now)
	if err != nil {
		t.Fatalf("recipient keypair: %v", err)
	}
	return sender, recipient
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sender, recipient := testKeyPairs(t)

	plaintext := []byte("hello over an untrusted wire")
	env, err := EncryptForRecipient(plaintext, recipient.Public, sender.Private)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if env.Algorithm != AlgorithmNaClBox {
		t.Fatalf("unexpected algorithm: %s", env.Algorithm)
	}
	if len(env.Nonce) != NonceSize {
		t.Fatalf("unexpected nonce length: %d", len(env.Nonce))
	}
	if bytes.Contains(env.Ciphertext, plaintext) {
		t.Fatal("ciphertext leaks plaintext")
	}

	got, err := DecryptFromSender(env, sender.Public, recipient.Private)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	sender, recipient := testKeyPairs(t)

	env, err := EncryptForRecipient([]byte("untouched"), recipient.Public, sender.Private)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	env.Ciphertext[0] ^= 0x01

	if _, err := DecryptFromSender(env, sender.Public, recipient.Private); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	sender, recipient := testKeyPairs(t)
	intruder, _ := testKeyPairs(t)

	env, err := EncryptForRecipient([]byte("for recipient only"), recipient.Public, sender.Private)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptFromSender(env, sender.Public, intruder.Private); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for wrong private key, got %v", err)
	}
}

func TestDecryptRejectsUnknownAlgorithm(t *testing.T) {
	sender, recipient := testKeyPairs(t)

	env, err := EncryptForRecipient([]byte("payload"), recipient.Public, sender.Private)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	env.Algorithm = "rot13"
	if _, err := DecryptFromSender(env, sender.Public, recipient.Private); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for unknown algorithm, got %v", err)
	}
}

func TestNoncesAreFreshPerCall(t *testing.T) {
	sender, recipient := testKeyPairs(t)

	plaintext := []byte("same plaintext")
	first, err := EncryptForRecipient(plaintext, recipient.Public, sender.Private)
	if err != nil {
		t.Fatalf("first encrypt: %v", err)
	}
	second, err := EncryptForRecipient(plaintext, recipient.Public, sender.Private)
	if err != nil {
		t.Fatalf("second encrypt: %v", err)
	}
	if bytes.Equal(first.Nonce, second.Nonce) {
		t.Fatal("nonce reused across calls")
	}
	if bytes.Equal(first.Ciphertext, second.Ciphertext) {
		t.Fatal("identical plaintext produced identical ciphertext")
	}
}

func TestDeterministicRandomness(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(4096))
	defer restore()

	now := time.Unix(1700000000, 0).UTC()
	a, err := GenerateKeyPair(now)
	if err != nil {
		t.Fatalf("keypair a: %v", err)
	}

	restore2 := UseDeterministicRandom(deterministicReader(4096))
	defer restore2()
	b, err := GenerateKeyPair(now)
	if err != nil {
		t.Fatalf("keypair b: %v", err)
	}
	if a.Public != b.Public {
		t.Fatal("deterministic source produced differing keys")
	}
}

func TestKeyFromBytes(t *testing.T) {
	if _, err := KeyFromBytes(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short key")
	}
	raw := make([]byte, KeySize)
	raw[0] = 0xAB
	key, err := KeyFromBytes(raw)
	if err != nil {
		t.Fatalf("key from bytes: %v", err)
	}
	if key[0] != 0xAB {
		t.Fatal("key bytes not copied")
	}
}
