// Package fcb implements the File Control Block layer: a
// process-global pool of reference-counted stream handles, addressed
// by a per-process file-id table. A file-id is just an index into that
// table; the table cell holds either nil or a pointer to an FCB with
// positive refcount.
package fcb

import (
	"errors"
	"unsafe"

	"github.com/christofilojohn/tinyos4/klog"
)

// ErrExhausted is returned by Reserve when the pool or the caller's
// file-id table has no free capacity for the requested count.
var ErrExhausted = errors.New("fcb: exhausted")

// Stream is the per-device operation vector spec.md calls streamfunc:
// read/write/close bound to an opaque stream object (a *pipe.Pipe or
// *socket.Socket in practice, via their endpoint adapters).
type Stream interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	// Close releases the stream object. Decref does not call it: it
	// hands the stream back, and the caller's close path returns
	// Close's value for the FCB's last reference.
	Close() int
}

// FCB is a reference-counted handle to a Stream. Zero value is not
// meaningful; obtain one from a Pool via Reserve.
type FCB struct {
	refcount int
	stream   Stream
	pool     *Pool
	inUse    bool
}

// Stream returns the FCB's current stream object.
func (f *FCB) Stream() Stream { return f.stream }

// SetStream installs the stream object an FCB dispatches through.
// Called once, right after Reserve, by whichever syscall (Pipe,
// Socket) is populating a freshly reserved FCB.
func (f *FCB) SetStream(s Stream) { f.stream = s }

// Pool is a process-wide slab of FCBs sized to the process's file-id
// table, plus the table itself. A Pool is not safe for concurrent use
// without the caller's kernel lock held — exactly like biscuit's
// Proc_t.Fds guarded by Proc_t.Fdl, except here the whole Proc's
// kernel lock (klock.Lock) is what's held, not a leaf mutex.
type Pool struct {
	table []*FCB
	slabs []FCB
	free  []int // indices into slabs currently unused
}

// NewPool allocates a pool with room for n file-ids / FCBs.
func NewPool(n int) *Pool {
	p := &Pool{
		table: make([]*FCB, n),
		slabs: make([]FCB, n),
		free:  make([]int, n),
	}
	for i := range p.slabs {
		p.slabs[i].pool = p
		p.free[i] = n - 1 - i // pop from the back == ascending fid order
	}
	return p
}

// Reserve atomically allocates n free file-ids and n FCBs. On success
// each FCB has refcount=1 and fids[i]/fcbs[i] name the i'th
// pair. On any shortage, no state changes (matches spec.md §4.1).
func (p *Pool) Reserve(n int, fids []int, fcbs []*FCB) bool {
	if len(fids) != n || len(fcbs) != n {
		panic("fcb: Reserve: mismatched slice lengths")
	}
	if len(p.free) < n {
		return false
	}
	free := make([]int, 0, n)
	for i, slot := range p.table {
		if slot == nil {
			free = append(free, i)
			if len(free) == n {
				break
			}
		}
	}
	if len(free) < n {
		return false
	}

	for i := 0; i < n; i++ {
		slabIdx := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		f := &p.slabs[slabIdx]
		f.refcount = 1
		f.inUse = true
		f.stream = nil
		p.table[free[i]] = f
		fids[i] = free[i]
		fcbs[i] = f
	}
	klog.For("fcb").WithField(klog.FieldFid, fids).Debug("reserved")
	return true
}

// Unreserve is the inverse of Reserve: it returns the fids and FCBs to
// their free lists without invoking Close (used to unwind a partially
// completed multi-resource allocation such as Pipe()).
func (p *Pool) Unreserve(n int, fids []int, fcbs []*FCB) {
	for i := 0; i < n; i++ {
		fid := fids[i]
		f := fcbs[i]
		if p.table[fid] != f {
			panic("fcb: Unreserve: fid/FCB mismatch")
		}
		p.table[fid] = nil
		f.inUse = false
		f.stream = nil
		p.free = append(p.free, p.slabIndex(f))
	}
}

func (p *Pool) slabIndex(f *FCB) int {
	return int((uintptr(unsafe.Pointer(f)) - uintptr(unsafe.Pointer(&p.slabs[0]))) / unsafe.Sizeof(p.slabs[0]))
}

// BindFid finds a free file-id slot and points it at f without
// allocating a new slab entry, for Dup: f is already owned and
// already increfed, and just needs a second table slot naming it.
func (p *Pool) BindFid(f *FCB) (fid int, ok bool) {
	for i, slot := range p.table {
		if slot == nil {
			p.table[i] = f
			return i, true
		}
	}
	return 0, false
}

// Get range-checks fid and returns the slot's FCB, or nil if the fid
// is out of range or the slot is empty.
func (p *Pool) Get(fid int) *FCB {
	if fid < 0 || fid >= len(p.table) {
		return nil
	}
	return p.table[fid]
}

// Incref bumps an FCB's reference count. The caller must hold the
// pool's protecting lock.
func (p *Pool) Incref(f *FCB) {
	if f.refcount <= 0 {
		panic("fcb: Incref: refcount underflow")
	}
	f.refcount++
}

// Decref drops an FCB's reference count and, if it reaches zero,
// unpublishes the FCB (clears its file-id table slot(s) and returns it
// to the free slab) and hands back the stream that needs closing.
// Mirrors biscuit's Fd_del: the table mutation happens here, under the
// caller's lock, but Stream.Close is deliberately left to the caller
// to invoke, since a Close (pipe_reopen, socket_close) may itself need
// to acquire the very same kernel lock this call is made under — see
// Sys_close's "Fd_del, then Fops.Close() unlocked" split.
func (p *Pool) Decref(f *FCB) (stream Stream, needsClose bool) {
	if f.refcount <= 0 {
		panic("fcb: Decref: refcount underflow")
	}
	f.refcount--
	if f.refcount > 0 {
		return nil, false
	}
	s := f.stream
	slab := p.slabIndex(f)
	for fid, slot := range p.table {
		if slot == f {
			p.table[fid] = nil
		}
	}
	f.inUse = false
	f.stream = nil
	p.free = append(p.free, slab)
	klog.For("fcb").Debug("closed, returned to pool")
	return s, true
}

// Dup increments an FCB's refcount and returns the same pointer,
// matching biscuit's Copyfd/Reopen contract minus the address-space
// duplication that contract exists to serve (fork is out of scope
// here; only the refcount-sharing half is).
func (p *Pool) Dup(f *FCB) (*FCB, bool) {
	if f == nil || !f.inUse {
		return nil, false
	}
	p.Incref(f)
	return f, true
}
