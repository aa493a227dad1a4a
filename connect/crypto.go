package connect

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Session traffic format:
// Bytes 0-11:  Nonce (12 bytes for AES-GCM)
// Bytes 12+:   AES-256-GCM ciphertext (with 16-byte auth tag)
// The key is derived from the session's static X25519 shared secret, so no
// ephemeral public key travels with the message.
const (
	x25519KeySize   = 32
	aesGCMNonceSize = 12
	aesGCMTagSize   = 16
	minSealedSize   = aesGCMNonceSize + aesGCMTagSize
)

// hkdfInfo must be identical on both peers. The app derives the same key
// from its own private key and the host public key.
var hkdfInfo = []byte("keymeld-connect-v1")

// generateKeypair returns a fresh X25519 (private, public) pair.
func generateKeypair() ([]byte, []byte, error) {
	private := make([]byte, x25519KeySize)
	if _, err := rand.Read(private); err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		zeroBytes(private)
		return nil, nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return private, public, nil
}

// deriveSharedSecret computes the static X25519 shared secret with a peer.
func deriveSharedSecret(localPrivate, peerPublic []byte) ([]byte, error) {
	if len(localPrivate) != x25519KeySize || len(peerPublic) != x25519KeySize {
		return nil, fmt.Errorf("%w: invalid key length", ErrInvalidCiphertext)
	}

	secret, err := curve25519.X25519(localPrivate, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("X25519 key exchange failed: %w", err)
	}

	return secret, nil
}

// sessionKey derives the AES-256 traffic key from a shared secret with
// HKDF-SHA256.
func sessionKey(sharedSecret []byte) ([]byte, error) {
	hkdfReader := hkdf.New(sha256.New, sharedSecret, nil, hkdfInfo)
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// sealWithSecret encrypts plaintext under the session traffic key.
// Output: nonce || ciphertext+tag
func sealWithSecret(sharedSecret, plaintext []byte) ([]byte, error) {
	key, err := sessionKey(sharedSecret)
	if err != nil {
		return nil, err
	}
	// SECURITY: Zero traffic key after use
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}

	nonce := make([]byte, aesGCMNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// openWithSecret decrypts a sealed message produced by the peer's
// counterpart of sealWithSecret.
func openWithSecret(sharedSecret, sealed []byte) ([]byte, error) {
	if len(sealed) < minSealedSize {
		return nil, fmt.Errorf("%w: ciphertext too short (min %d bytes)", ErrInvalidCiphertext, minSealedSize)
	}

	key, err := sessionKey(sharedSecret)
	if err != nil {
		return nil, err
	}
	// SECURITY: Zero traffic key after use
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}

	nonce := sealed[:aesGCMNonceSize]
	ciphertext := sealed[aesGCMNonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return plaintext, nil
}

// zeroBytes overwrites a byte slice with zeros to clear key material.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
