// Package pthread implements spec.md §4.3's thread management: the
// process-thread control block (PTCB), CreateThread/ThreadSelf/
// ThreadJoin/ThreadDetach/ThreadExit, and the lifetime rule that a
// PTCB stays linked into its process only until its thread exits,
// at which point it is unlinked unconditionally (ThreadJoin/
// ThreadDetach still validate a tid by identity afterwards, not by
// list membership).
//
// The dispatcher-level TCB, ready queue, and context switch spec.md
// treats as external are realised directly as a goroutine: spawn_thread
// is `go func(){...}()`, and a TCB's scheduler state collapses to
// "goroutine is running" until ThreadExit's trampoline returns.
package pthread

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/petermattis/goid"

	"github.com/christofilojohn/tinyos4/ilist"
	"github.com/christofilojohn/tinyos4/klock"
	"github.com/christofilojohn/tinyos4/klog"
)

// Task is a thread's entry function: spec.md's "function of (argl,
// args) -> int".
type Task func(argl int, args any) int

// Tid identifies a thread. It is opaque outside this package other
// than by equality/nil comparisons, matching spec.md's "return the
// PTCB pointer as the opaque tid".
type Tid = *PTCB

// PTCB is the user-visible thread handle. A PTCB stays linked into its
// List only while its thread is still running: ThreadExit unlinks it
// unconditionally the moment the thread returns, matching spec.md's
// unconditional "unlink and free it" step. The PTCB struct itself
// survives past that point (Go's GC, not this package, owns its
// memory) so a ThreadJoin that raced the exit can still read the exit
// value off it. Both ThreadJoin and ThreadDetach require the target to
// still be running: neither operation may be called against an
// already-exited target.
type PTCB struct {
	ID uuid.UUID

	// owner names the List that created this PTCB, so ThreadJoin/
	// ThreadDetach can validate a tid by identity rather than by
	// current list membership: threadExit unlinks a PTCB from
	// l.ptcbs the moment it exits (see threadExit), well before a
	// caller may get around to joining or detaching it.
	owner *List

	task Task
	argl int
	args any

	exitval  int
	exited   bool
	detached bool

	exitCond *sync.Cond

	node *ilist.Node[*PTCB]
}

// ErrInvalidTarget covers spec.md §4.3's various "tid==0", "tid==self",
// "not found in this process' list", and "not owned by caller" cases.
var ErrInvalidTarget = errors.New("pthread: invalid or unowned tid")

// ErrAlreadyExited is returned by ThreadJoin when the target had
// already exited or was already detached at call time. A tid that an
// earlier ThreadJoin has already reaped yields ErrInvalidTarget instead.
var ErrAlreadyExited = errors.New("pthread: target already exited or detached")

// ErrDetachedWhileJoining is returned by ThreadJoin when the target
// was detached while the joiner was blocked waiting for it.
var ErrDetachedWhileJoining = errors.New("pthread: target detached while joining")

// List is the process-owned collection of live PTCBs, guarded by the
// process's kernel lock (klock.Lock), matching biscuit's Threadinfo_t
// living inside Proc_t and its Fdl-style shared locking.
type List struct {
	lock  *klock.Lock
	ptcbs *ilist.List[*PTCB]
	count int

	selfMu sync.Mutex
	self   map[int64]*PTCB
}

// NewList creates an empty thread list for one process.
func NewList(lock *klock.Lock) *List {
	return &List{
		lock:  lock,
		ptcbs: ilist.New[*PTCB](),
		self:  make(map[int64]*PTCB),
	}
}

// Count returns the number of live (not yet fully torn down) threads.
// The caller must hold the process's kernel lock.
func (l *List) Count() int { return l.count }

// CreateThread implements spec.md §4.3. task runs on a freshly spawned
// goroutine (the trampoline); onLastExit is called — with the kernel
// lock NOT held — after ThreadExit's bookkeeping determines this was
// the process's last live thread, letting kproc.Proc hook process
// teardown without pthread importing kproc.
func (l *List) CreateThread(task Task, argl int, args any, onLastExit func()) Tid {
	l.lock.Lock()
	p := &PTCB{
		ID:    uuid.New(),
		owner: l,
		task:  task,
		argl:  argl,
		args:  args,
	}
	p.exitCond = l.lock.NewCond()
	p.node = l.ptcbs.PushBack(p)
	l.count++
	klog.For("pthread").WithField(klog.FieldID, p.ID).Debug("thread created")
	l.lock.Unlock()

	go func() {
		l.selfMu.Lock()
		l.self[goid.Get()] = p
		l.selfMu.Unlock()

		exitval := task(argl, args)

		l.threadExit(p, exitval, onLastExit)

		l.selfMu.Lock()
		delete(l.self, goid.Get())
		l.selfMu.Unlock()
	}()

	return p
}

// ThreadSelf returns the identity of the calling thread, or nil if the
// calling goroutine is not one this List spawned.
func (l *List) ThreadSelf() Tid {
	l.selfMu.Lock()
	defer l.selfMu.Unlock()
	return l.self[goid.Get()]
}

// ThreadJoin implements spec.md §4.3. It fails immediately if the
// target has already exited or was already detached at call time; a
// target detached while this call is blocked wakes it with
// ErrDetachedWhileJoining instead.
func (l *List) ThreadJoin(tid Tid, exitval *int) error {
	if tid == nil || tid == l.ThreadSelf() {
		return ErrInvalidTarget
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	if tid.owner != l {
		return ErrInvalidTarget
	}
	if tid.exited || tid.detached {
		return ErrAlreadyExited
	}

	for !tid.exited && !tid.detached {
		tid.exitCond.Wait()
	}

	if tid.detached {
		return ErrDetachedWhileJoining
	}

	if exitval != nil {
		*exitval = tid.exitval
	}
	// threadExit already unlinked tid.node from l.ptcbs the moment it
	// exited; Remove on an already-unlinked node is a no-op, so this
	// stays correct whether or not this call raced that unlink.
	l.ptcbs.Remove(tid.node)
	// A joined tid is reaped: later Join/Detach calls on it fail the
	// owner check with ErrInvalidTarget.
	tid.owner = nil
	return nil
}

// ThreadDetach implements spec.md §4.3. Detach is monotonic: it is an
// error to detach a target whose TCB is already EXITED (or NOTHREAD,
// modelled here as "not found") or that is already detached. A live
// target is marked detached and any blocked joiners are woken; when it
// exits, ThreadExit unlinks it like any other thread.
func (l *List) ThreadDetach(tid Tid) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if tid == nil || tid.owner != l {
		return ErrInvalidTarget
	}
	if tid.exited || tid.detached {
		return ErrInvalidTarget
	}
	tid.detached = true
	tid.exitCond.Broadcast()
	klog.For("pthread").WithField(klog.FieldID, tid.ID).Debug("thread detached")
	return nil
}

// threadExit implements spec.md §4.3's ThreadExit, driven from the
// trampoline goroutine with the given exit value. Unlinking self from
// l.ptcbs is unconditional here, exactly as spec.md's ThreadExit lists
// it ("if own PTCB refcount is now 0, unlink and free it") rather than
// nested under the last-thread-teardown branch: a never-joined,
// never-detached thread must not sit in l.ptcbs for the rest of the
// process's life. A ThreadJoin call already blocked on self.exitCond
// still resolves correctly afterwards — it reads self.exitval/exited
// off the PTCB itself (kept alive by its own tid pointer, not by list
// membership) and its own l.ptcbs.Remove(tid.node) is a safe no-op
// against an already-unlinked node.
func (l *List) threadExit(self *PTCB, exitval int, onLastExit func()) {
	l.lock.Lock()

	self.exitval = exitval
	self.exited = true
	l.count--
	self.exitCond.Broadcast()
	klog.For("pthread").WithField(klog.FieldID, self.ID).WithField("exitval", exitval).Debug("thread exited")

	last := l.count == 0
	l.ptcbs.Remove(self.node)

	l.lock.Unlock()

	if last && onLastExit != nil {
		onLastExit()
	}
}
