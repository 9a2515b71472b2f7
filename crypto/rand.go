package crypto

import (
	"crypto/rand"

	"github.com/NebulousLabs/fastrand"
)

// RandBytes returns n bytes of cryptographically secure random data. Used
// for AES-CBC initialization vectors and encryption keys, where predictable
// output would be a security defect.
func RandBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto: no entropy available: " + err.Error())
	}
	return b
}

// FastRandBytes returns n bytes of fast, non-cryptographic random data,
// suitable where collision avoidance matters but predictability does not.
func FastRandBytes(n int) []byte {
	return fastrand.Bytes(n)
}

// FastRandIntn returns a uniform random value in [0,n), using the same
// non-cryptographic source as FastRandBytes.
func FastRandIntn(n int) int {
	return fastrand.Intn(n)
}
