package storage

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/wsldankers/fruitbak-sub000/build"
	"github.com/wsldankers/fruitbak-sub000/crypto"
)

var errMismatch = errors.New("digest mismatch")

// CompressFilter gzip-compresses chunk bodies before delegating to an
// underlying store. The digest passed through is unchanged, since digests
// identify plaintext content.
type CompressFilter struct {
	underlying Store
	level      int
}

// NewCompressFilter wraps underlying with gzip compression at the given
// level (see compress/gzip's level constants).
func NewCompressFilter(underlying Store, level int) *CompressFilter {
	return &CompressFilter{underlying: underlying, level: level}
}

func (f *CompressFilter) Store(digest, data []byte) error {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, f.level)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return f.underlying.Store(digest, buf.Bytes())
}

func (f *CompressFilter) Retrieve(digest []byte) ([]byte, bool, error) {
	compressed, ok, err := f.underlying.Retrieve(digest)
	if err != nil || !ok {
		return nil, ok, err
	}
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, false, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (f *CompressFilter) Has(digest []byte) (bool, error)    { return f.underlying.Has(digest) }
func (f *CompressFilter) Remove(digest []byte) error          { return f.underlying.Remove(digest) }
func (f *CompressFilter) Iterate(fn func(Batch) error) error { return f.underlying.Iterate(fn) }

// EncryptFilter applies the AES-CBC + HMAC construction from package
// crypto to chunk bodies, and deterministically obfuscates the digest used
// to name the stored object so on-disk names do not reveal plaintext
// digests.
type EncryptFilter struct {
	underlying Store
	key        crypto.EncryptionKey
}

// NewEncryptFilter wraps underlying, encrypting bodies and digests under key.
func NewEncryptFilter(underlying Store, key crypto.EncryptionKey) *EncryptFilter {
	return &EncryptFilter{underlying: underlying, key: key}
}

func (f *EncryptFilter) Store(digest, data []byte) error {
	ciphertext, err := f.key.Encrypt(data)
	if err != nil {
		return err
	}
	return f.underlying.Store(f.key.EncryptDigest(digest), ciphertext)
}

func (f *EncryptFilter) Retrieve(digest []byte) ([]byte, bool, error) {
	ciphertext, ok, err := f.underlying.Retrieve(f.key.EncryptDigest(digest))
	if err != nil || !ok {
		return nil, ok, err
	}
	plain, err := f.key.Decrypt(ciphertext)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

func (f *EncryptFilter) Has(digest []byte) (bool, error) {
	return f.underlying.Has(f.key.EncryptDigest(digest))
}

func (f *EncryptFilter) Remove(digest []byte) error {
	return f.underlying.Remove(f.key.EncryptDigest(digest))
}

func (f *EncryptFilter) Iterate(fn func(Batch) error) error {
	return f.underlying.Iterate(func(batch Batch) error {
		decrypted := make(Batch, len(batch))
		for i, d := range batch {
			decrypted[i] = f.key.DecryptDigest(d)
		}
		return fn(decrypted)
	})
}

// VerifyFilter passes stores through unchanged but recomputes the digest
// of retrieved data and fails loudly on mismatch, catching corruption
// introduced anywhere below it in the chain.
type VerifyFilter struct {
	underlying Store
	digestOf   DigestFunc
}

// NewVerifyFilter wraps underlying, verifying every retrieved chunk against
// digestOf.
func NewVerifyFilter(underlying Store, digestOf DigestFunc) *VerifyFilter {
	return &VerifyFilter{underlying: underlying, digestOf: digestOf}
}

func (f *VerifyFilter) Store(digest, data []byte) error {
	return f.underlying.Store(digest, data)
}

func (f *VerifyFilter) Retrieve(digest []byte) ([]byte, bool, error) {
	data, ok, err := f.underlying.Retrieve(digest)
	if err != nil || !ok {
		return nil, ok, err
	}
	if !bytes.Equal(f.digestOf(data), digest) {
		build.Critical("storage: digest verification failed, pool data is corrupt")
		return nil, false, build.ExtendErr("storage: digest mismatch on retrieve", errMismatch)
	}
	return data, true, nil
}

func (f *VerifyFilter) Has(digest []byte) (bool, error)    { return f.underlying.Has(digest) }
func (f *VerifyFilter) Remove(digest []byte) error          { return f.underlying.Remove(digest) }
func (f *VerifyFilter) Iterate(fn func(Batch) error) error { return f.underlying.Iterate(fn) }
