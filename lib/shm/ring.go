package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sys/unix"
)

var log = logger.GetLogger("shm")

// ring file layout, every field on its own cache line
const (
	cacheLine = 64

	offMagic    = 0             // uint64 magic
	offCapacity = 8             // uint64 capacity of the data area
	offClosed   = 16            // uint32 set once the sender closed the ring
	offHead     = cacheLine     // uint64 read cursor, written by the receiver
	offTail     = 2 * cacheLine // uint64 write cursor, written by the sender
	headerSize  = 3 * cacheLine

	ringMagic  uint64 = 0x6450726f78795231 // "dProxyR1"
	recordHead        = 4                  // length prefix of a record
)

var (
	// ErrFull is returned by TryPush when the record does not fit right now
	ErrFull = errors.New("ring is full")
	// ErrEmpty is returned by TryPop when there is no record
	ErrEmpty = errors.New("ring is empty")
	// ErrClosed is returned by Pop once the sender closed the ring and all records were read
	ErrClosed = common.NewError(common.ErrCTransport, "ring closed by sender")
)

// mapping is one MAP_SHARED view of a ring file
type mapping struct {
	path     string
	file     *os.File
	mem      []byte
	data     []byte
	capacity uint64
	handles  atomic.Int32
}

// Create creates (or truncates) the ring file at path with a data area of capacity bytes
// and returns both handles of the new ring.
func Create(path string, capacity int) (*Sender, *Receiver, error) {
	if capacity < 2*recordHead {
		return nil, nil, fmt.Errorf("ring capacity %d is too small", capacity)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ring file: %w", err)
	}
	if err := f.Truncate(int64(headerSize + capacity)); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to size ring file: %w", err)
	}

	m, err := mapFile(path, f, headerSize+capacity)
	if err != nil {
		return nil, nil, err
	}
	binary.LittleEndian.PutUint64(m.mem[offCapacity:], uint64(capacity))
	atomic.StoreUint64(m.cursor(offHead), 0)
	atomic.StoreUint64(m.cursor(offTail), 0)
	// magic last, an attaching process only accepts a fully initialized header
	atomic.StoreUint64(m.cursor(offMagic), ringMagic)
	m.capacity = uint64(capacity)
	m.data = m.mem[headerSize:]

	log.Infof("created ring %s (%d bytes)", path, capacity)
	tx, rx := m.issue()
	return tx, rx, nil
}

// Attach maps an existing ring file created by Create and returns both handles
func Attach(path string) (*Sender, *Receiver, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ring file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat ring file: %w", err)
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, nil, common.Errorf(common.ErrCTransport, "%s is not a ring file", path)
	}

	m, err := mapFile(path, f, int(info.Size()))
	if err != nil {
		return nil, nil, err
	}
	if atomic.LoadUint64(m.cursor(offMagic)) != ringMagic {
		m.unmap()
		return nil, nil, common.Errorf(common.ErrCTransport, "%s has no ring header", path)
	}
	m.capacity = binary.LittleEndian.Uint64(m.mem[offCapacity:])
	if m.capacity+headerSize != uint64(len(m.mem)) {
		m.unmap()
		return nil, nil, common.Errorf(common.ErrCTransport, "%s: capacity %d does not match file size %d", path, m.capacity, len(m.mem))
	}
	m.data = m.mem[headerSize:]

	tx, rx := m.issue()
	return tx, rx, nil
}

func mapFile(path string, f *os.File, size int) (*mapping, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map ring file: %w", err)
	}
	return &mapping{path: path, file: f, mem: mem}, nil
}

// issue hands out the two capability handles of the mapping. It is called exactly once.
func (m *mapping) issue() (*Sender, *Receiver) {
	m.handles.Store(2)
	return &Sender{handle: newHandle(m)}, &Receiver{handle: newHandle(m)}
}

// release drops one handle, the last one unmaps the ring
func (m *mapping) release() {
	if m.handles.Add(-1) == 0 {
		m.unmap()
	}
}

func (m *mapping) unmap() {
	if err := unix.Munmap(m.mem); err != nil {
		log.Warningf("failed to unmap ring %s: %v", m.path, err)
	}
	if err := m.file.Close(); err != nil {
		log.Warningf("failed to close ring %s: %v", m.path, err)
	}
	m.mem, m.data = nil, nil
}

// cursor returns a pointer to the 64-bit header field at off (mmap memory is page aligned)
func (m *mapping) cursor(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&m.mem[off]))
}

func (m *mapping) closedFlag() *uint32 {
	return (*uint32)(unsafe.Pointer(&m.mem[offClosed]))
}

// --------------------------------------------------------------------------
// Byte-wise wrapping copies
// --------------------------------------------------------------------------

func (m *mapping) write(pos uint64, b []byte) {
	off := pos % m.capacity
	n := copy(m.data[off:], b)
	copy(m.data, b[n:])
}

func (m *mapping) read(pos uint64, b []byte) {
	off := pos % m.capacity
	n := copy(b, m.data[off:])
	copy(b[n:], m.data)
}

// tryPush appends one record, only ever called by the single sender
func (m *mapping) tryPush(payload []byte) error {
	need := uint64(recordHead + len(payload))
	if need > m.capacity {
		return common.Errorf(common.ErrCTransport, "record of %d bytes exceeds ring capacity %d", len(payload), m.capacity)
	}

	tail := atomic.LoadUint64(m.cursor(offTail))
	head := atomic.LoadUint64(m.cursor(offHead))
	if m.capacity-(tail-head) < need {
		return ErrFull
	}

	var lenBuf [recordHead]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	m.write(tail, lenBuf[:])
	m.write(tail+recordHead, payload)

	// publish after the record is written
	atomic.StoreUint64(m.cursor(offTail), tail+need)
	return nil
}

// tryPop removes one record, only ever called by the single receiver
func (m *mapping) tryPop() ([]byte, error) {
	head := atomic.LoadUint64(m.cursor(offHead))
	tail := atomic.LoadUint64(m.cursor(offTail))
	used := tail - head
	if used == 0 {
		if atomic.LoadUint32(m.closedFlag()) != 0 {
			return nil, ErrClosed
		}
		return nil, ErrEmpty
	}
	if used < recordHead || used > m.capacity {
		return nil, common.Errorf(common.ErrCTransport, "corrupted ring cursors (head %d, tail %d)", head, tail)
	}

	var lenBuf [recordHead]byte
	m.read(head, lenBuf[:])
	size := uint64(binary.LittleEndian.Uint32(lenBuf[:]))
	if size > used-recordHead {
		return nil, common.Errorf(common.ErrCTransport, "corrupted record length %d (%d bytes available)", size, used-recordHead)
	}

	payload := make([]byte, size)
	m.read(head+recordHead, payload)
	atomic.StoreUint64(m.cursor(offHead), head+recordHead+size)
	return payload, nil
}

func (m *mapping) markClosed() {
	atomic.StoreUint32(m.closedFlag(), 1)
}
