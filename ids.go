package xkrt

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"

	"github.com/xkrt-go/xkrt/internal/region"
)

// idGen produces short, human-readable debug identifiers for tasks and
// datums in log lines. Purely for log correlation; never used as a
// coherency or dependency key.
var idGen = shortid.MustNew(1, shortid.DefaultABC, 0xC0FFEE)

// newDebugID returns a short opaque string for log correlation; falls back
// to a fixed placeholder if the generator errors (exhausted entropy pool),
// which must never be fatal for what is purely a logging aid.
func newDebugID() string {
	id, err := idGen.Generate()
	if err != nil {
		return "xkrt-id-err"
	}
	return id
}

// datumHash hashes a DatumKey with xxhash for use as a compact log field and
// as the telemetry label cardinality key, rather than printing the full
// (ld, sizeof, addr) tuple at every call site.
func datumHash(k region.DatumKey) uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], k.LD)
	binary.LittleEndian.PutUint64(buf[8:16], k.SizeofElem)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(k.Addr))
	return xxhash.Checksum64(buf[:])
}
