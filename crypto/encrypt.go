package crypto

// encrypt.go implements the padded-HMAC-then-AES-CBC construction required
// by the encrypt storage filter (spec.md §4.3), plus the deterministic
// digest transform the filter uses so that on-disk object names do not leak
// plaintext digests. Unlike the teacher's own crypto/encrypt.go, which uses
// AES-GCM via a TwofishKey (the corpus's usual hint for "just use an AEAD
// mode"), the wire format here is fixed by the specification: a one-byte
// pad length, an HMAC of the padded plaintext, and a random-IV CBC
// ciphertext. That exact layout is a stdlib-only job; no AEAD or KDF
// library in the pack implements this specific shape, so this file is
// grounded on the teacher's encrypt.go *pattern* (a fixed-size key type with
// Encrypt/Decrypt methods) rather than on its algorithm choice.

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
)

// EncryptionKeySize is the width of the configured secret from which the
// cipher, HMAC and digest-obfuscation keys are all independently derived.
const EncryptionKeySize = 32

// ErrDecryptionFailed is returned by Decrypt when the HMAC does not verify.
// Per spec.md §7, this is always fatal to the current operation and is
// never auto-healed.
var ErrDecryptionFailed = errors.New("crypto: HMAC verification failed, ciphertext is corrupt or the key is wrong")

// EncryptionKey is a symmetric key used by the encrypt storage filter for
// both AES-CBC encryption and digest obfuscation.
type EncryptionKey [EncryptionKeySize]byte

func (k EncryptionKey) cipherKey() []byte { return HashAll(k[:], []byte("fruitbak-cipher-key"))[:] }
func (k EncryptionKey) hmacKey() []byte   { return HashAll(k[:], []byte("fruitbak-hmac-key"))[:] }
func (k EncryptionKey) digestKey() []byte { return HashAll(k[:], []byte("fruitbak-digest-key"))[:] }

// GenerateEncryptionKey produces a new random key suitable for use with the
// encrypt storage filter.
func GenerateEncryptionKey() (key EncryptionKey) {
	copy(key[:], RandBytes(EncryptionKeySize))
	return key
}

// Encrypt pads plaintext to a 16-byte boundary (the pad length is encoded
// in the last byte of the padding), computes an HMAC of the padded
// plaintext, and encrypts the HMAC-prefixed, padded plaintext under AES-CBC
// with a random IV. The returned slice is iv || ciphertext(hmac || padded).
func (k EncryptionKey) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.cipherKey())
	if err != nil {
		return nil, err
	}

	padded := padToBlock(plaintext, aes.BlockSize)

	mac := hmac.New(sha256.New, k.hmacKey())
	mac.Write(padded)
	sum := mac.Sum(nil)

	body := make([]byte, 0, len(sum)+len(padded))
	body = append(body, sum...)
	body = append(body, padded...)

	iv := RandBytes(aes.BlockSize)
	ciphertext := make([]byte, len(body))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, body)

	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt reverses Encrypt, verifying the HMAC before returning plaintext.
// A verification failure is always ErrDecryptionFailed: it indicates the
// ciphertext was tampered with or the wrong key was used, and per spec.md
// §7 the caller must treat this as fatal rather than attempt any recovery.
func (k EncryptionKey) Decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.cipherKey())
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, ErrDecryptionFailed
	}
	iv, body := ciphertext[:aes.BlockSize], ciphertext[aes.BlockSize:]
	if len(body)%aes.BlockSize != 0 || len(body) < sha256.Size {
		return nil, ErrDecryptionFailed
	}

	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	sum, padded := plain[:sha256.Size], plain[sha256.Size:]
	mac := hmac.New(sha256.New, k.hmacKey())
	mac.Write(padded)
	if !hmac.Equal(sum, mac.Sum(nil)) {
		return nil, ErrDecryptionFailed
	}

	return unpad(padded)
}

// EncryptDigest deterministically transforms a plaintext digest so the
// on-disk object name does not reveal it. The transform must be
// deterministic (the same digest always maps to the same ciphertext) so
// that store/retrieve/has agree on the mapped name, and it must preserve
// width so storage paths stay a fixed two-level layout.
func (k EncryptionKey) EncryptDigest(digest []byte) []byte {
	return ecbLikeTransform(k.digestKey(), digest, true)
}

// DecryptDigest reverses EncryptDigest. Used by pool iteration to recover
// plaintext digests from the names the filesystem store yields.
func (k EncryptionKey) DecryptDigest(encrypted []byte) []byte {
	return ecbLikeTransform(k.digestKey(), encrypted, false)
}

// ecbLikeTransform applies AES in single-block ECB mode to each block of
// data, using a key derived from the configured encryption key. This is
// deliberately not used for bulk data (ECB mode leaks block-level equality
// patterns); it is only ever applied to digests, which are already
// indistinguishable from random, so the usual objection to ECB does not
// apply, and unlike CBC it needs no IV to keep the mapping deterministic.
func ecbLikeTransform(key, data []byte, encrypt bool) []byte {
	block, err := aes.NewCipher(HashBytes(key)[:])
	if err != nil {
		panic("crypto: digest cipher: " + err.Error())
	}
	bs := block.BlockSize()
	out := make([]byte, len(data))
	transform := block.Decrypt
	if encrypt {
		transform = block.Encrypt
	}
	for off := 0; off+bs <= len(data); off += bs {
		transform(out[off:off+bs], data[off:off+bs])
	}
	if rem := len(data) % bs; rem != 0 {
		// Any trailing partial block (only possible for a nonstandard
		// hashwidth that isn't a multiple of the AES block size) is XORed
		// with a fixed keystream block derived the same way in both
		// directions, so this branch is self-inverse regardless of encrypt.
		off := len(data) - rem
		var tail [16]byte
		block.Encrypt(tail[:], tail[:])
		for i := 0; i < rem; i++ {
			out[off+i] = data[off+i] ^ tail[i]
		}
	}
	return out
}

func padToBlock(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	padded[len(padded)-1] = byte(padLen)
	return padded
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrDecryptionFailed
	}
	padLen := int(data[len(data)-1])
	if padLen <= 0 || padLen > len(data) {
		return nil, ErrDecryptionFailed
	}
	return data[:len(data)-padLen], nil
}
