package pmbuddy

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// regionMinSize is the smallest pool size Format accepts (64 KiB), well
// above the header plus the buddy index.
const regionMinSize = 1 << 16

// Options configures Format and Open. It is the Go stand-in for the
// source allocator's compile-time feature gates, resolved once per call
// instead of at build time.
type Options struct {
	// MutexBackend selects the shared or process-local spin lock.
	MutexBackend MutexBackend

	// CaptureFootprint enables the high-water-mark tracking read back by
	// Pool.Footprint. Corresponds to the original's capture_footprint gate.
	CaptureFootprint bool

	// AccessViolationCheck makes Dealloc consult IsAllocated and panic on
	// a mismatch. Corresponds to access_violation_check.
	AccessViolationCheck bool

	// CyclicLinkCheck bounds the allocator's free-list walks (splitting,
	// coalescing and the IsAllocated scan): a walk that exceeds the number
	// of blocks the region could legitimately hold at that order fails with
	// ErrCyclicFreeList, which Alloc, Dealloc, Realloc and IsAllocated raise
	// as a panic. The walk in FreeLists is not bounded, and the drop-log
	// replay during recovery ignores the error. Corresponds to
	// cyclic_link_check.
	CyclicLinkCheck bool

	// TransactionGuard, if set, is consulted by Open; a true result means
	// a transaction of this pool's own kind is active elsewhere, and Open
	// returns ErrOpenInTransaction without touching the file. This is the
	// hook a higher-level journal (out of core scope) would wire up.
	TransactionGuard func() bool

	// Logger receives diagnostics (NoSpace, recovery activity) when set.
	// A nil Logger is replaced with a no-op logger.
	Logger log.Logger

	// pin_journals and concurrent_pools from the source allocator's
	// feature-gate list govern the STM journal and the multi-process pool
	// registry, both out of core scope; no corresponding field exists here.
}

func (o Options) logger() log.Logger {
	if o.Logger == nil {
		return log.NewNopLogger()
	}
	return o.Logger
}

// Pool is an open persistent-memory buddy allocator.
type Pool struct {
	mu       sync.Mutex // serializes Close; façade calls do not take it
	file     *os.File
	mem      []byte
	hdr      *regionHeader
	idx      *buddyIndex
	store    Store
	lock     Locker
	logger   log.Logger
	opts     Options
	key      fileKey
	footprint uint64
	closed   bool
}

type fileKey struct {
	dev uint64
	ino uint64
}

var (
	openPoolsMu sync.Mutex
	openPools   = map[fileKey]struct{}{}
)

// Format initializes a regular file as a pmbuddy pool of the given size.
// size must be a power of two. Format writes the 0xFF sentinel across the
// first 8 bytes before anything else, so a reader that opens the file
// between creation and initialization sees neither the real magic number
// nor a torn one.
func Format(path string, size uint64, opts Options) error {
	if size&(size-1) != 0 {
		return ErrNotPowerOfTwo
	}
	reserved := buddyIndexOffset + buddyIndexSize
	if size < regionMinSize || size <= reserved {
		return ErrPoolTooSmall
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("pmbuddy: create %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return fmt.Errorf("pmbuddy: truncate %s: %w", path, err)
	}

	var sentinel [8]byte
	for i := range sentinel {
		sentinel[i] = 0xFF
	}
	if _, err := f.WriteAt(sentinel[:], 0); err != nil {
		return fmt.Errorf("pmbuddy: write sentinel: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("pmbuddy: sync sentinel: %w", err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("pmbuddy: mmap %s: %w", path, err)
	}
	defer unix.Munmap(mem)

	if err := initRegion(mem, size, opts.CyclicLinkCheck); err != nil {
		return err
	}
	return newMmapStore(mem).Persist(0, regionHeaderSize)
}

// initRegion lays out a fresh header and buddy index over mem: the whole
// region starts as a single free block of the largest fitting order, then
// the header+index bytes are reserved as a real allocation so the buddy
// index itself never appears free. Split out of Format so unit tests can
// build an initialized index without going through the filesystem.
func initRegion(mem []byte, size uint64, cyclicLinkCheck bool) error {
	reserved := buddyIndexOffset + buddyIndexSize

	hdr := (*regionHeader)(unsafe.Pointer(&mem[0]))
	idx := (*buddyIndex)(unsafe.Pointer(&mem[buddyIndexOffset]))

	lastIdx := getOrder(size)
	if lastIdx != noOrder && (uint64(1)<<lastIdx) > size {
		lastIdx--
	}
	for k := range idx.buddies {
		idx.buddies[k] = noOffset
	}
	idx.lastIdx = uint64(lastIdx)
	idx.size = size
	idx.available = size
	idx.auxValid = 0
	idx.buddies[lastIdx] = 0
	if cyclicLinkCheck {
		idx.cyclicLinkCheck = 1
	}

	store := newMmapStore(mem)

	reservedOrder := getOrder(reserved)
	idx.beginStage()
	off, err := idx.findFree(mem, reservedOrder)
	if err != nil {
		return fmt.Errorf("pmbuddy: reserve header: %w", err)
	}
	if off != 0 {
		return fmt.Errorf("pmbuddy: reserved header landed at unexpected offset %d", off)
	}
	idx.availableLog -= uint64(1) << reservedOrder
	if err := idx.drainAux(mem, store, nil); err != nil {
		return fmt.Errorf("pmbuddy: commit header reservation: %w", err)
	}

	*hdr = regionHeader{
		Magic:      magicNumber,
		Flags:      0,
		Gen:        0,
		RootObj:    noOffset,
		RootTypeID: 0,
		Logs:       noOffset,
		Size:       size,
	}
	hdr.updateChecksum()
	return nil
}

// Open maps an existing pool file, validates its header, runs recovery,
// and returns a handle ready to serve allocations.
func Open(path string, opts Options) (*Pool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pmbuddy: open %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pmbuddy: stat %s: %w", path, err)
	}
	size := uint64(st.Size())
	if size < regionHeaderSize {
		f.Close()
		return nil, ErrInvalidPool
	}

	key, err := statKey(st)
	if err != nil {
		f.Close()
		return nil, err
	}

	if opts.TransactionGuard != nil && opts.TransactionGuard() {
		f.Close()
		return nil, ErrOpenInTransaction
	}

	openPoolsMu.Lock()
	if _, already := openPools[key]; already {
		openPoolsMu.Unlock()
		f.Close()
		return nil, ErrDoubleOpen
	}
	openPools[key] = struct{}{}
	openPoolsMu.Unlock()

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		releaseKey(key)
		f.Close()
		return nil, fmt.Errorf("pmbuddy: mmap %s: %w", path, err)
	}

	hdr := (*regionHeader)(unsafe.Pointer(&mem[0]))
	if hdr.Magic != magicNumber || !hdr.validChecksum() {
		unix.Munmap(mem)
		releaseKey(key)
		f.Close()
		return nil, ErrInvalidPool
	}

	idx := (*buddyIndex)(unsafe.Pointer(&mem[buddyIndexOffset]))
	store := newMmapStore(mem)
	if opts.CyclicLinkCheck {
		idx.cyclicLinkCheck = 1
	} else {
		idx.cyclicLinkCheck = 0
	}

	hdr.Gen++
	hdr.updateChecksum()
	if err := store.Persist(0, regionHeaderSize); err != nil {
		unix.Munmap(mem)
		releaseKey(key)
		f.Close()
		return nil, fmt.Errorf("pmbuddy: persist header: %w", err)
	}

	lock := newMutex(opts.MutexBackend, &idx.mutexWord)

	logger := opts.logger()
	if err := idx.recover(mem, store); err != nil {
		level.Error(logger).Log("msg", "recovery failed", "err", err)
		unix.Munmap(mem)
		releaseKey(key)
		f.Close()
		return nil, fmt.Errorf("pmbuddy: recover %s: %w", path, err)
	}

	return &Pool{
		file:   f,
		mem:    mem,
		hdr:    hdr,
		idx:    idx,
		store:  store,
		lock:   lock,
		logger: logger,
		opts:   opts,
		key:    key,
	}, nil
}

// Close releases the mapping and the open-pool registry entry. A full
// implementation would also commit pending user journals here; the
// journal is out of core scope, so Close's responsibility is limited to
// the mapping lifecycle.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	releaseKey(p.key)
	if err := unix.Munmap(p.mem); err != nil {
		p.file.Close()
		return fmt.Errorf("pmbuddy: munmap: %w", err)
	}
	return p.file.Close()
}

func (p *Pool) checkOpen() error {
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Size returns the total region size in bytes.
func (p *Pool) Size() uint64 { return atomic.LoadUint64(&p.idx.size) }

// Available returns the currently free byte count, a relaxed snapshot
// intended for reporting only.
func (p *Pool) Available() uint64 { return atomic.LoadUint64(&p.idx.available) }

// Used returns Size minus Available.
func (p *Pool) Used() uint64 { return p.Size() - p.Available() }

// Footprint returns the high-water mark of bytes used, or 0 when
// Options.CaptureFootprint was not set.
func (p *Pool) Footprint() uint64 { return atomic.LoadUint64(&p.footprint) }

// Generation returns the open-count diagnostic counter.
func (p *Pool) Generation() uint32 { return p.hdr.Gen }

func statKey(st os.FileInfo) (fileKey, error) {
	sysStat, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return fileKey{}, fmt.Errorf("pmbuddy: unsupported platform for file identity")
	}
	return fileKey{dev: uint64(sysStat.Dev), ino: uint64(sysStat.Ino)}, nil
}

func releaseKey(key fileKey) {
	openPoolsMu.Lock()
	delete(openPools, key)
	openPoolsMu.Unlock()
}
