package uring

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestRing(t *testing.T) Ring {
	t.Helper()
	ring, err := NewRing(Config{Entries: 8})
	if err != nil {
		// sandboxes and old kernels often block io_uring
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(func() { ring.Close() })
	return ring
}

func newTestFile(t *testing.T, size int64) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "disk"), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestRingReadWrite(t *testing.T) {
	ring := newTestRing(t)
	f := newTestFile(t, 1<<20)
	fd := int(f.Fd())

	payload := bytes.Repeat([]byte{0xa5, 0x5a}, 2048)
	n, err := ring.WriteAt(fd, payload, 8192)
	if err != nil || n != len(payload) {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}
	if err := ring.Fsync(fd); err != nil {
		t.Fatalf("Fsync: %v", err)
	}

	got := make([]byte, len(payload))
	n, err = ring.ReadAt(fd, got, 8192)
	if err != nil || n != len(got) {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("read data does not match")
	}

	// the file contents went through the kernel, not a cache of ours
	direct := make([]byte, len(payload))
	if _, err := f.ReadAt(direct, 8192); err != nil {
		t.Fatalf("os ReadAt: %v", err)
	}
	if !bytes.Equal(direct, payload) {
		t.Error("file does not hold the written data")
	}
}

func TestRingReadPastEOF(t *testing.T) {
	ring := newTestRing(t)
	f := newTestFile(t, 4096)

	buf := make([]byte, 8192)
	n, err := ring.ReadAt(int(f.Fd()), buf, 0)
	if n != 4096 {
		t.Errorf("ReadAt returned %d bytes, want 4096", n)
	}
	if err == nil {
		t.Error("expected an error reading past the end")
	}
}

func TestRingBadFD(t *testing.T) {
	ring := newTestRing(t)
	if _, err := ring.ReadAt(-1, make([]byte, 512), 0); err == nil {
		t.Error("expected an error for a bad fd")
	}
}

func TestRingConcurrentUse(t *testing.T) {
	ring := newTestRing(t)
	f := newTestFile(t, 1<<20)
	fd := int(f.Fd())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf := bytes.Repeat([]byte{byte(i)}, 4096)
			if _, err := ring.WriteAt(fd, buf, int64(i)*4096); err != nil {
				t.Errorf("WriteAt %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		got := make([]byte, 4096)
		if _, err := ring.ReadAt(fd, got, int64(i)*4096); err != nil {
			t.Fatalf("ReadAt %d: %v", i, err)
		}
		if got[0] != byte(i) || got[4095] != byte(i) {
			t.Errorf("block %d holds %d", i, got[0])
		}
	}
}

func TestRingClosed(t *testing.T) {
	ring := newTestRing(t)
	ring.Close()
	if _, err := ring.ReadAt(0, make([]byte, 1), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	// closing twice is harmless
	if err := ring.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
