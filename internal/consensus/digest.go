package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// DigestSize is the byte length of a proposal digest.
const DigestSize = sha256.Size

// DigestFunc fingerprints a proposal. Implementations must be deterministic
// over the (view, sequence, content) triple and return a lowercase hex string
// of DigestSize bytes.
type DigestFunc func(view, sequence uint64, content []byte) string

// SHA256Digest hashes the big-endian view, the big-endian sequence and the
// content, in that order.
func SHA256Digest(view, sequence uint64, content []byte) string {
	var prefix [16]byte
	binary.BigEndian.PutUint64(prefix[:8], view)
	binary.BigEndian.PutUint64(prefix[8:], sequence)

	h := sha256.New()
	h.Write(prefix[:])
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}
