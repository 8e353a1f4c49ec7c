// Package kproc assembles one process's worth of kernel state — its
// file-id table, thread list, and socket port map, all guarded by one
// klock.Lock — and exposes the syscall surface a thread inside that
// process would call: Pipe, Socket/Listen/Accept/Connect/ShutDown,
// Read/Write/Close, and CreateThread/ThreadSelf/ThreadJoin/
// ThreadDetach/ThreadExit.
//
// Proc corresponds to the slice of biscuit's Proc_t this exercise
// keeps: Fds/Fdl (-> fcb.Pool), Threads (-> pthread.List), and the
// process's share of the socket layer. Fork/exec/wait, the address
// space, and the scheduler are all out of scope; a Proc here is
// spawned directly by test or embedder code, not by another Proc.
package kproc

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/christofilojohn/tinyos4/fcb"
	"github.com/christofilojohn/tinyos4/kconfig"
	"github.com/christofilojohn/tinyos4/klock"
	"github.com/christofilojohn/tinyos4/klog"
	"github.com/christofilojohn/tinyos4/pipe"
	"github.com/christofilojohn/tinyos4/pthread"
	"github.com/christofilojohn/tinyos4/socket"
)

// ErrExhausted is returned by any syscall that needed a file-id or FCB
// and found the process's table full.
var ErrExhausted = errors.New("kproc: file-id table exhausted")

// ErrBadFile is returned when a fid does not name a live FCB.
var ErrBadFile = errors.New("kproc: bad file id")

// Proc is one process's kernel state.
type Proc struct {
	Limits kconfig.Limits

	lock    *klock.Lock
	fds     *fcb.Pool
	threads *pthread.List
	ports   *socket.PortMap

	// OnLastThreadExit, if set, is invoked (lock not held) the moment
	// the process's last thread returns from its task function,
	// mirroring biscuit's proc_t reaping its zombie state once
	// Threadinfo_t empties out. Left nil by default: process teardown
	// beyond that hook (closing every fid, notifying a parent, exit
	// status) is fork/exec/wait territory and out of scope.
	OnLastThreadExit func()
}

// New builds an empty Proc sized by limit.
func New(limit kconfig.Limits) *Proc {
	lock := klock.New()
	return &Proc{
		Limits:  limit,
		lock:    lock,
		fds:     fcb.NewPool(limit.MaxFileID),
		threads: pthread.NewList(lock),
		ports:   socket.NewPortMap(),
	}
}

// CreateThread implements spec.md §4.3's CreateThread.
func (p *Proc) CreateThread(task pthread.Task, argl int, args any) pthread.Tid {
	return p.threads.CreateThread(task, argl, args, p.onLastThreadExit)
}

func (p *Proc) onLastThreadExit() {
	if p.OnLastThreadExit != nil {
		p.OnLastThreadExit()
	}
}

// ThreadSelf implements spec.md §4.3's ThreadSelf.
func (p *Proc) ThreadSelf() pthread.Tid { return p.threads.ThreadSelf() }

// ThreadJoin implements spec.md §4.3's ThreadJoin.
func (p *Proc) ThreadJoin(tid pthread.Tid) (exitval int, err error) {
	err = p.threads.ThreadJoin(tid, &exitval)
	return
}

// ThreadDetach implements spec.md §4.3's ThreadDetach.
func (p *Proc) ThreadDetach(tid pthread.Tid) error {
	return p.threads.ThreadDetach(tid)
}

// RunAll spawns one thread per task, using golang.org/x/sync/errgroup
// to fan the goroutines out and collect the first non-zero exit value
// as an error, then joins every thread. It is a convenience for
// embedders/tests that want the "run these threads and wait for
// completion" pattern without hand-writing a join loop; spec.md itself
// only specifies CreateThread/ThreadJoin, not this helper.
func (p *Proc) RunAll(ctx context.Context, tasks []pthread.Task) error {
	g, _ := errgroup.WithContext(ctx)
	tids := make([]pthread.Tid, len(tasks))
	// A thread that exits before its joiner reaches ThreadJoin is rejected
	// with ErrAlreadyExited; its exit value is taken from here instead.
	results := make([]int, len(tasks))
	for i, task := range tasks {
		i, task := i, task
		tids[i] = p.CreateThread(func(argl int, args any) int {
			results[i] = task(argl, args)
			return results[i]
		}, i, nil)
	}
	for i, tid := range tids {
		i, tid := i, tid
		g.Go(func() error {
			exitval, err := p.ThreadJoin(tid)
			if errors.Is(err, pthread.ErrAlreadyExited) {
				exitval, err = results[i], nil
			}
			if err != nil {
				return err
			}
			if exitval != 0 {
				return errors.New("kproc: thread exited with non-zero status")
			}
			return nil
		})
	}
	return g.Wait()
}

// reserve1 reserves a single fid/FCB pair, translating fcb.ErrExhausted
// into ErrExhausted.
func (p *Proc) reserve1() (int, *fcb.FCB, error) {
	fids := make([]int, 1)
	fcbs := make([]*fcb.FCB, 1)
	if !p.fds.Reserve(1, fids, fcbs) {
		return kconfig.NoFile, nil, ErrExhausted
	}
	return fids[0], fcbs[0], nil
}

// Pipe implements spec.md §4.2's pipe() syscall: reserves two fids,
// builds one pipe.Pipe, and wires its two endpoints to them.
func (p *Proc) Pipe() (readFid, writeFid int, err error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	fids := make([]int, 2)
	fcbs := make([]*fcb.FCB, 2)
	if !p.fds.Reserve(2, fids, fcbs) {
		return kconfig.NoFile, kconfig.NoFile, ErrExhausted
	}

	pp := pipe.New(p.lock, p.Limits.PipeBufferSize, fcbs[0], fcbs[1])
	fcbs[0].SetStream(pp.ReaderEndpoint())
	fcbs[1].SetStream(pp.WriterEndpoint())

	klog.For("kproc").WithField(klog.FieldFid, fids).Debug("pipe created")
	return fids[0], fids[1], nil
}

// Socket implements spec.md §4.4's socket(port) syscall: reserves one
// fid for a freshly created UNBOUND socket bound to port (kconfig.NoPort
// meaning "will never listen, only ever Connect out").
func (p *Proc) Socket(port int) (fid int, err error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	fid, f, err := p.reserve1()
	if err != nil {
		return kconfig.NoFile, err
	}
	s, err := socket.New(p.lock, p.Limits, p.ports, port)
	if err != nil {
		p.fds.Unreserve(1, []int{fid}, []*fcb.FCB{f})
		return kconfig.NoFile, err
	}
	f.SetStream(socket.Endpoint(s))
	return fid, nil
}

// socketOf resolves fid to its live *socket.Socket, or fails if fid is
// bad or does not currently hold a socket. The caller must hold p.lock.
func (p *Proc) socketOf(fid int) (*socket.Socket, error) {
	f := p.fds.Get(fid)
	if f == nil {
		return nil, ErrBadFile
	}
	s, ok := socket.Unwrap(f.Stream())
	if !ok {
		return nil, ErrBadFile
	}
	return s, nil
}

// Listen implements spec.md §4.4's listen(fid) syscall on an existing
// UNBOUND socket fid, installing the port it was created with into the
// process's port map.
func (p *Proc) Listen(fid int) error {
	p.lock.Lock()
	s, err := p.socketOf(fid)
	p.lock.Unlock()
	if err != nil {
		return err
	}
	return s.Listen()
}

// Accept implements spec.md §4.4's accept() syscall: reserves one new
// fid for the peer socket Accept produces.
func (p *Proc) Accept(fid int) (peerFid int, err error) {
	p.lock.Lock()
	s, err := p.socketOf(fid)
	if err != nil {
		p.lock.Unlock()
		return kconfig.NoFile, err
	}
	peerFid, serverFCB, err := p.reserve1()
	p.lock.Unlock()
	if err != nil {
		return kconfig.NoFile, err
	}

	server, err := s.Accept(serverFCB)
	if err != nil {
		p.lock.Lock()
		p.fds.Unreserve(1, []int{peerFid}, []*fcb.FCB{serverFCB})
		p.lock.Unlock()
		return kconfig.NoFile, err
	}
	serverFCB.SetStream(socket.Endpoint(server))
	return peerFid, nil
}

// Connect implements spec.md §4.4's connect() syscall.
func (p *Proc) Connect(fid, port int, timeout time.Duration) error {
	p.lock.Lock()
	s, err := p.socketOf(fid)
	f := p.fds.Get(fid)
	p.lock.Unlock()
	if err != nil {
		return err
	}
	return s.Connect(port, f, timeout)
}

// ShutDown implements spec.md §4.4's shutdown(fid, mode) syscall: fid
// must name an established PEER socket, and mode selects which of its
// two pipe endpoints (or both) to close.
func (p *Proc) ShutDown(fid int, mode socket.ShutDownMode) error {
	p.lock.Lock()
	s, err := p.socketOf(fid)
	p.lock.Unlock()
	if err != nil {
		return err
	}
	return s.ShutDown(mode)
}

// Read implements spec.md §4.1's read() syscall: dispatch through the
// fid's Stream vtable.
func (p *Proc) Read(fid int, buf []byte) (int, error) {
	p.lock.Lock()
	f := p.fds.Get(fid)
	p.lock.Unlock()
	if f == nil {
		return kconfig.NoFile, ErrBadFile
	}
	return f.Stream().Read(buf)
}

// Write implements spec.md §4.1's write() syscall.
func (p *Proc) Write(fid int, buf []byte) (int, error) {
	p.lock.Lock()
	f := p.fds.Get(fid)
	p.lock.Unlock()
	if f == nil {
		return kconfig.NoFile, ErrBadFile
	}
	return f.Stream().Write(buf)
}

// Close implements spec.md §4.1's close() syscall: decrefs the FCB and,
// on the last reference, invokes its stream's Close. The lock is
// released before Close runs, matching biscuit's Sys_close (Fd_del
// under the lock, Fops.Close() without it) — a stream's Close (a
// listener socket's, say) may need the same lock itself.
func (p *Proc) Close(fid int) (int, error) {
	p.lock.Lock()
	f := p.fds.Get(fid)
	if f == nil {
		p.lock.Unlock()
		return kconfig.NoFile, ErrBadFile
	}
	stream, needsClose := p.fds.Decref(f)
	p.lock.Unlock()

	if !needsClose {
		return 0, nil
	}
	if stream == nil {
		return 0, nil
	}
	return stream.Close(), nil
}

// Dup implements spec.md §4.1's dup()-style fid sharing (Copyfd in the
// teacher): both fids end up pointing at the same FCB with its
// refcount bumped.
func (p *Proc) Dup(fid int) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	f := p.fds.Get(fid)
	if f == nil {
		return kconfig.NoFile, ErrBadFile
	}
	dup, ok := p.fds.Dup(f)
	if !ok {
		return kconfig.NoFile, ErrBadFile
	}
	newFid, ok := p.fds.BindFid(dup)
	if !ok {
		// dup was just increfed above, so this can only walk the
		// refcount back down, never reach zero, and so never needs to
		// invoke Close.
		p.fds.Decref(dup)
		return kconfig.NoFile, ErrExhausted
	}
	return newFid, nil
}
