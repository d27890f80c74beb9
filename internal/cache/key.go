package cache

import (
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// MaxBuckets bounds how far one logical key may fan out.
const MaxBuckets = 32

// BucketKey derives the store key for one bucket of a logical request
// key. Fields are length-framed so adjacent fields cannot collide
// ("ab"+"c" hashes differently from "a"+"bc").
func BucketKey(seed, pathAndQuery string, body []byte, bucket int) string {
	h := xxhash.New()
	writeField(h, []byte(seed))
	writeField(h, []byte(pathAndQuery))
	writeField(h, body)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(bucket))
	h.Write(b[:])
	return strconv.FormatUint(h.Sum64(), 16)
}

func writeField(h *xxhash.Digest, field []byte) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(field)))
	h.Write(n[:])
	h.Write(field)
}
