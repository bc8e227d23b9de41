package domain

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/haukened/rr-hostdb/internal/hostdb/common/utils"
)

// Digest is the 128-bit identity of a lookup key. Collisions are not
// detected; at this width they are an accepted risk.
type Digest [16]byte

// ComputeDigest hashes the case-folded name together with the query type and
// family marker. The name is canonicalized here so callers cannot produce two
// digests for names differing only in case.
func ComputeDigest(name string, t QueryType, f Family) Digest {
	h := md5.New()
	h.Write([]byte(utils.CanonicalDNSName(name)))
	h.Write([]byte{0, byte(t), byte(f)})
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

func (d Digest) halves() (uint64, uint64) {
	return binary.LittleEndian.Uint64(d[:8]), binary.LittleEndian.Uint64(d[8:])
}

// Fold reduces the digest to 64 bits for bucket selection.
func (d Digest) Fold() uint64 {
	lo, hi := d.halves()
	return lo ^ hi
}

// MasterHash is the value used to pick the cluster node owning this digest.
func (d Digest) MasterHash() uint32 {
	_, hi := d.halves()
	return uint32(hi >> 32)
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest decodes the hex form produced by String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("invalid digest length %d", len(b))
	}
	copy(d[:], b)
	return d, nil
}
