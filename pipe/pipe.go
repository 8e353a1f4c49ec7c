// Package pipe implements the bounded one-directional byte pipe:
// spec.md §3's pipe control block and §4.2's blocking read/write/close
// semantics. Two endpoint Streams (fcb.Stream implementations) sit on
// top of one Pipe, letting the fcb layer dispatch Read/Write/Close
// through the ordinary vtable without knowing pipes exist.
package pipe

import (
	"errors"
	"sync"

	"github.com/christofilojohn/tinyos4/fcb"
	"github.com/christofilojohn/tinyos4/klock"
	"github.com/christofilojohn/tinyos4/klog"
)

// ErrClosed is returned by Write/Read on an already-closed endpoint.
var ErrClosed = errors.New("pipe: endpoint closed")

// ErrPeerClosed is returned by Write when the reader end has already
// closed (spec.md §4.2's "peer closed" case).
var ErrPeerClosed = errors.New("pipe: peer closed")

// Pipe is the pipe control block. All of its fields are protected by
// the shared kernel lock its owner passes to New.
type Pipe struct {
	lock *klock.Lock
	buf  *buffer

	hasSpace *sync.Cond
	hasData  *sync.Cond

	readerFCB *fcb.FCB
	writerFCB *fcb.FCB

	readerClosed bool
	writerClosed bool
}

// New allocates a pipe with an empty ring buffer of the given capacity
// and both ends open, matching spec.md §4.2's "Creation" step. The fcb
// arguments are the reader/writer endpoints' FCBs, recorded so
// pipe_reader_close/pipe_writer_close can be driven from either side.
func New(lock *klock.Lock, capacity int, readerFCB, writerFCB *fcb.FCB) *Pipe {
	p := &Pipe{
		lock:      lock,
		buf:       newBuffer(capacity),
		readerFCB: readerFCB,
		writerFCB: writerFCB,
	}
	p.hasSpace = lock.NewCond()
	p.hasData = lock.NewCond()
	return p
}

// Write implements spec.md §4.2's pipe_write. The caller must NOT hold
// the kernel lock; Write acquires and releases it itself (mirroring
// biscuit's pipe_t.op_write locking its own embedded mutex).
func (p *Pipe) Write(buf []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.writerClosed {
		return -1, ErrClosed
	}
	if p.readerClosed {
		return -1, ErrPeerClosed
	}
	for p.buf.full() && !p.readerClosed {
		p.hasSpace.Wait()
	}
	if p.readerClosed {
		// Reader closed while we were blocked in has_space: spec.md's
		// resolved open question — no bytes are buffered before this
		// check, so returning -1 here never discards partial writes.
		return -1, ErrPeerClosed
	}
	n := p.buf.copyIn(buf)
	p.hasData.Broadcast()
	klog.For("pipe").WithField("bytes", n).Debug("write")
	return n, nil
}

// Read implements spec.md §4.2's pipe_read.
func (p *Pipe) Read(buf []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.readerClosed {
		return -1, ErrClosed
	}
	if p.writerClosed && p.buf.empty() {
		return 0, nil // EOF
	}
	for p.buf.empty() && !p.writerClosed {
		p.hasData.Wait()
	}
	if p.writerClosed && p.buf.empty() {
		return 0, nil // EOF
	}
	n := p.buf.copyOut(buf)
	p.hasSpace.Broadcast()
	klog.For("pipe").WithField("bytes", n).Debug("read")
	return n, nil
}

// WriterClose implements spec.md §4.2's pipe_writer_close. The caller
// must NOT hold the kernel lock.
func (p *Pipe) WriterClose() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.writerCloseLocked()
}

func (p *Pipe) writerCloseLocked() {
	if p.writerClosed {
		return
	}
	p.writerClosed = true
	p.writerFCB = nil
	if p.readerClosed {
		p.buf.release()
		klog.For("pipe").Debug("both ends closed, buffer released")
		return
	}
	p.hasData.Broadcast()
}

// ReaderClose implements spec.md §4.2's pipe_reader_close.
func (p *Pipe) ReaderClose() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.readerCloseLocked()
}

func (p *Pipe) readerCloseLocked() {
	if p.readerClosed {
		return
	}
	p.readerClosed = true
	p.readerFCB = nil
	if p.writerClosed {
		p.buf.release()
		klog.For("pipe").Debug("both ends closed, buffer released")
		return
	}
	p.hasSpace.Broadcast()
}

// ReaderEndpoint returns an fcb.Stream that reads from p, fails all
// writes, and closes the reader end.
func (p *Pipe) ReaderEndpoint() fcb.Stream { return readerEnd{p} }

// WriterEndpoint returns an fcb.Stream that writes to p, fails all
// reads, and closes the writer end.
func (p *Pipe) WriterEndpoint() fcb.Stream { return writerEnd{p} }

type readerEnd struct{ p *Pipe }

func (r readerEnd) Read(buf []byte) (int, error)  { return r.p.Read(buf) }
func (r readerEnd) Write(buf []byte) (int, error) { return -1, ErrClosed }
func (r readerEnd) Close() int {
	r.p.ReaderClose()
	return 0
}

type writerEnd struct{ p *Pipe }

func (w writerEnd) Read(buf []byte) (int, error) { return -1, ErrClosed }
func (w writerEnd) Write(buf []byte) (int, error) {
	return w.p.Write(buf)
}
func (w writerEnd) Close() int {
	w.p.WriterClose()
	return 0
}
