package blockio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/killvxk/mvisor/internal/ioworker"
)

// fakeIoThread runs every Read/Write/Fsync synchronously and inline,
// so tests don't need a real I/O Thread's epoll/AIO machinery.
type fakeIoThread struct {
	reads  int
	writes int
	syncs  int
}

// fakeIoThread operates directly on the raw fd via pread/pwrite rather
// than wrapping it in a new *os.File, which would race Close with that
// wrapper's own finalizer closing the same fd a second time.
func (f *fakeIoThread) Read(fd int, buf []byte, offset int64, cb ioworker.CompletionCallback) {
	f.reads++
	n, err := unix.Pread(fd, buf, offset)
	if err != nil {
		cb(-1)
		return
	}
	cb(int64(n))
}

func (f *fakeIoThread) Write(fd int, buf []byte, offset int64, cb ioworker.CompletionCallback) {
	f.writes++
	n, err := unix.Pwrite(fd, buf, offset)
	if err != nil {
		cb(-1)
		return
	}
	cb(int64(n))
}

func (f *fakeIoThread) Fsync(fd int, cb ioworker.CompletionCallback) {
	f.syncs++
	cb(0)
}

func makeImage(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestOpenComputesBlockGeometry(t *testing.T) {
	path := makeImage(t, 4*defaultBlockSize)

	img, err := Open(path, false, &fakeIoThread{})
	require.NoError(t, err)
	defer img.Close()

	info := img.Information()
	assert.Equal(t, uint64(defaultBlockSize), info.BlockSize)
	assert.Equal(t, uint64(4), info.TotalBlocks)
}

func TestReadWriteRoundTrip(t *testing.T) {
	path := makeImage(t, 2*defaultBlockSize)
	io := &fakeIoThread{}

	img, err := Open(path, false, io)
	require.NoError(t, err)
	defer img.Close()

	payload := []byte("hello disk")
	done := make(chan struct{})
	img.Write(payload, 0, func(n int64) {
		assert.Equal(t, int64(len(payload)), n)
		close(done)
	})
	<-done

	buf := make([]byte, len(payload))
	done2 := make(chan struct{})
	img.Read(buf, 0, func(n int64) {
		assert.Equal(t, int64(len(payload)), n)
		close(done2)
	})
	<-done2

	assert.Equal(t, payload, buf)
	assert.Equal(t, 1, io.writes)
	assert.Equal(t, 1, io.reads)
}

func TestReadOnlyShortCircuitsWriteAndFlush(t *testing.T) {
	path := makeImage(t, defaultBlockSize)
	io := &fakeIoThread{}

	img, err := Open(path, true, io)
	require.NoError(t, err)
	defer img.Close()

	done := make(chan struct{})
	img.Write([]byte("x"), 0, func(n int64) {
		assert.Equal(t, int64(0), n)
		close(done)
	})
	<-done

	done2 := make(chan struct{})
	img.Flush(func(n int64) {
		assert.Equal(t, int64(0), n)
		close(done2)
	})
	<-done2

	assert.Equal(t, 0, io.writes)
	assert.Equal(t, 0, io.syncs)
}
