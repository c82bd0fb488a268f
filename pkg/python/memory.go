package python

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Memory reads a traced process's address space, standing in for the
// bpf_probe_read_user probes the reference performs in-kernel (§4.D). Reads
// are expected to be best-effort: a short or failed read is an ordinary
// error, never a fault.
type Memory interface {
	ReadAt(addr uint64, buf []byte) error
	ReadUint64(addr uint64) (uint64, error)
	ReadUint32(addr uint64) (uint32, error)
	ReadUint8(addr uint64) (uint8, error)
}

// ProcMemReader implements Memory by pread(2)-ing /proc/<pid>/mem, the
// standard userspace substitute for in-kernel bpf_probe_read_user.
type ProcMemReader struct {
	file *os.File
}

// OpenProcMem opens /proc/<pid>/mem for reading.
func OpenProcMem(pid uint32) (*ProcMemReader, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return nil, fmt.Errorf("python: open /proc/%d/mem: %w", pid, err)
	}
	return &ProcMemReader{file: f}, nil
}

// Close releases the underlying file descriptor.
func (r *ProcMemReader) Close() error {
	return r.file.Close()
}

// ReadAt reads len(buf) bytes starting at addr.
func (r *ProcMemReader) ReadAt(addr uint64, buf []byte) error {
	n, err := unix.Pread(int(r.file.Fd()), buf, int64(addr))
	if err != nil {
		return fmt.Errorf("python: pread at %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("python: short read at %#x: got %d want %d", addr, n, len(buf))
	}
	return nil
}

// ReadUint64 reads one little-endian uint64 at addr.
func (r *ProcMemReader) ReadUint64(addr uint64) (uint64, error) {
	var buf [8]byte
	if err := r.ReadAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return leUint64(buf[:]), nil
}

// ReadUint32 reads one little-endian uint32 at addr.
func (r *ProcMemReader) ReadUint32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := r.ReadAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return leUint32(buf[:]), nil
}

// ReadUint8 reads one byte at addr.
func (r *ProcMemReader) ReadUint8(addr uint64) (uint8, error) {
	var buf [1]byte
	if err := r.ReadAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
