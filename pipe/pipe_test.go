package pipe

import (
	"testing"
	"time"

	"github.com/christofilojohn/tinyos4/klock"
)

func TestPipeSmallWriteRead(t *testing.T) {
	lock := klock.New()
	p := New(lock, 64, nil, nil)

	n, err := p.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write() = %d, %v, want 5, nil", n, err)
	}

	buf := make([]byte, 5)
	n, err = p.Read(buf)
	if err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("Read() = %d, %q, %v", n, buf[:n], err)
	}
}

func TestPipeEOFAfterWriterClose(t *testing.T) {
	lock := klock.New()
	p := New(lock, 64, nil, nil)

	p.WriterClose()

	buf := make([]byte, 8)
	n, err := p.Read(buf)
	if err != nil || n != 0 {
		t.Fatalf("Read() after writer close = %d, %v, want 0, nil (EOF)", n, err)
	}
}

func TestPipeBackpressure(t *testing.T) {
	lock := klock.New()
	const capacity = 16 * 1024
	p := New(lock, capacity, nil, nil)

	filled := make([]byte, capacity)
	n, err := p.Write(filled)
	if err != nil || n != capacity {
		t.Fatalf("filling write = %d, %v, want %d, nil", n, err, capacity)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := p.Write([]byte{0x42})
		if err != nil || n != 1 {
			t.Errorf("blocked write = %d, %v, want 1, nil", n, err)
		}
	}()

	select {
	case <-done:
		t.Fatalf("write past capacity did not block")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 1)
	if n, err := p.Read(buf); err != nil || n != 1 {
		t.Fatalf("drain read = %d, %v, want 1, nil", n, err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("blocked write never unblocked after drain")
	}
}

func TestPipeWriteAfterReaderClosed(t *testing.T) {
	lock := klock.New()
	p := New(lock, 64, nil, nil)
	p.ReaderClose()

	if _, err := p.Write([]byte("x")); err != ErrPeerClosed {
		t.Fatalf("Write() after reader close = %v, want ErrPeerClosed", err)
	}
}

func TestPipeEndpointsRejectWrongDirection(t *testing.T) {
	lock := klock.New()
	p := New(lock, 64, nil, nil)
	r := p.ReaderEndpoint()
	w := p.WriterEndpoint()

	if _, err := r.Write([]byte("x")); err != ErrClosed {
		t.Fatalf("reader endpoint Write() = %v, want ErrClosed", err)
	}
	if _, err := w.Read(make([]byte, 1)); err != ErrClosed {
		t.Fatalf("writer endpoint Read() = %v, want ErrClosed", err)
	}
}
