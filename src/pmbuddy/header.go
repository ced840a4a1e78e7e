package pmbuddy

import (
	"encoding/binary"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// schemaIdentifier is hashed to produce the region's magic number. A
// stable schema version string stands in for a fully-qualified type name.
// Bump it whenever regionHeader or buddyIndex's on-disk shape changes
// incompatibly.
const schemaIdentifier = "github.com/alewtschuk/pmbuddy.region.v1"

var magicNumber = xxhash.Sum64String(schemaIdentifier)

// FlagHasRoot marks that a root object has been installed in the pool.
const FlagHasRoot uint64 = 1 << 0

// regionHeader is the fixed-size header at offset 0 of the mapped region.
// All fields are little-endian on disk; since this implementation only
// runs on little-endian, in-memory 64-bit loads/stores via the mapped
// struct are already little-endian.
type regionHeader struct {
	Magic        uint64
	Flags        uint64
	Gen          uint32
	_            [4]byte // padding
	RootObj      uint64  // noOffset if absent
	RootTypeID   uint64
	Logs         uint64 // noOffset if absent: head of user-journal list
	Size         uint64 // region size at format time
	HeaderChecksum uint64
}

const regionHeaderSize = uint64(unsafe.Sizeof(regionHeader{}))

// checksum computes the header's integrity checksum over every field
// except HeaderChecksum itself, guarding against torn writes being
// mistaken for a valid header.
func (h *regionHeader) checksum() uint64 {
	var buf [regionHeaderSize]byte
	binary.LittleEndian.PutUint64(buf[0:], h.Magic)
	binary.LittleEndian.PutUint64(buf[8:], h.Flags)
	binary.LittleEndian.PutUint32(buf[16:], h.Gen)
	binary.LittleEndian.PutUint64(buf[24:], h.RootObj)
	binary.LittleEndian.PutUint64(buf[32:], h.RootTypeID)
	binary.LittleEndian.PutUint64(buf[40:], h.Logs)
	binary.LittleEndian.PutUint64(buf[48:], h.Size)
	return xxhash.Sum64(buf[:56])
}

func (h *regionHeader) updateChecksum() {
	h.HeaderChecksum = h.checksum()
}

func (h *regionHeader) validChecksum() bool {
	return h.HeaderChecksum == h.checksum()
}
