package delta

import (
	"golang.org/x/sys/unix"
)

// OSFile is a BackingFile backed by a real file, using direct positioned
// syscalls the same way the queue runner this engine is modeled on talks to
// its character device: no buffered io.Writer in the hot path, just
// pread/pwrite/fdatasync.
type OSFile struct {
	fd   int
	path string
}

// OpenOSFile opens the file at path for use as a delta's backing store,
// creating it first when create is true.
func OpenOSFile(path string, create bool) (*OSFile, error) {
	flags := unix.O_RDWR
	if create {
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(path, flags, 0o640)
	if err != nil {
		return nil, err
	}
	return &OSFile{fd: fd, path: path}, nil
}

func (f *OSFile) ReadAt(p []byte, off int64) (int, error) {
	return unix.Pread(f.fd, p, off)
}

func (f *OSFile) WriteAt(p []byte, off int64) (int, error) {
	return unix.Pwrite(f.fd, p, off)
}

// Sync issues a data-only flush/barrier, matching the pipeline's use of
// "flush" to mean "make prior writes durable", not a full metadata sync.
func (f *OSFile) Sync() error {
	return unix.Fdatasync(f.fd)
}

func (f *OSFile) Truncate(size int64) error {
	return unix.Ftruncate(f.fd, size)
}

// Fallocate preallocates [off, off+length). It is not part of BackingFile,
// and the allocate-tail operation (ReserveTail) extends the file with
// Truncate rather than calling it.
func (f *OSFile) Fallocate(off, length int64) error {
	return unix.Fallocate(f.fd, 0, off, length)
}

func (f *OSFile) Size() int64 {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return 0
	}
	return st.Size
}

func (f *OSFile) Close() error {
	return unix.Close(f.fd)
}
