// Package socket implements spec.md §4.4's TCP-like local socket
// layer: an unbound socket becomes either a listener (bound to a port,
// accepting connection requests) or a peer (bidirectional stream built
// from two pipes), and Listen/Accept/Connect implement the rendezvous
// between a listener and a caller of Connect on the same port.
package socket

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/christofilojohn/tinyos4/fcb"
	"github.com/christofilojohn/tinyos4/ilist"
	"github.com/christofilojohn/tinyos4/kconfig"
	"github.com/christofilojohn/tinyos4/klock"
	"github.com/christofilojohn/tinyos4/klog"
	"github.com/christofilojohn/tinyos4/pipe"
)

// State is a Socket's position in spec.md §4.4's state machine.
type State int

const (
	Unbound State = iota
	Listener
	Peer
)

// Errors returned by the socket syscalls. Names mirror spec.md's prose
// rather than any particular errno scheme.
var (
	ErrInvalidPort         = errors.New("socket: invalid port")
	ErrPortInUse           = errors.New("socket: port already has a listener")
	ErrNotUnbound          = errors.New("socket: socket is not UNBOUND")
	ErrNotListener         = errors.New("socket: socket is not a LISTENER")
	ErrNotPeer             = errors.New("socket: socket is not a PEER")
	ErrShutDown            = errors.New("socket: listener shut down")
	ErrNoListener          = errors.New("socket: no listener on that port")
	ErrConnectTimeout      = errors.New("socket: connect timed out")
	ErrClosed              = errors.New("socket: closed")
	ErrInvalidShutDownMode = errors.New("socket: invalid shutdown mode")
)

// ShutDownMode selects which half of a PEER socket's connection
// ShutDown closes, spec.md §4.4's shutdown_mode (SHUTDOWN_READ/
// SHUTDOWN_WRITE/SHUTDOWN_BOTH).
type ShutDownMode int

const (
	ShutDownRead ShutDownMode = iota
	ShutDownWrite
	ShutDownBoth
)

// connRequest is one Connect call waiting on a Listener's Accept,
// mirroring biscuit's connection_request_t: the client socket plus a
// condition variable the connecting thread blocks on until Accept (or
// a timeout, or the listener's close) resolves it. ID stamps the request with a
// correlation id for logging/tracing across the Connect/Accept pair.
type connRequest struct {
	ID       uuid.UUID
	client   *Socket
	accepted bool
	done     bool
	cond     *sync.Cond
	node     *ilist.Node[*connRequest]
}

// Socket is the socket control block. All fields are protected by the
// owning Proc's kernel lock, passed in at New.
type Socket struct {
	lock  *klock.Lock
	limit kconfig.Limits
	ports *PortMap

	state State
	port  int

	// LISTENER fields.
	pending    *ilist.List[*connRequest]
	acceptCond *sync.Cond
	shutdown   bool

	// PEER fields.
	readPipe  *pipe.Pipe
	writePipe *pipe.Pipe
	peerFCB   *fcb.FCB
}

// PortMap is the process-wide "at most one listener per port" table,
// spec.md §4.4's PORT_MAP. It is bare, unsynchronised state: every
// Socket built against a PortMap shares one klock.Lock with it, so all
// access below happens with that single lock already held — a second,
// separate lock on the map itself would just self-deadlock.
type PortMap struct {
	ports map[int]*Socket
}

// NewPortMap creates an empty port map.
func NewPortMap() *PortMap {
	return &PortMap{ports: make(map[int]*Socket)}
}

// New implements spec.md §4.4's socket_create: allocates an UNBOUND
// socket bound to port (NoPort meaning "will never listen, only ever
// Connect out"). port is validated and stored here, exactly like the
// original's sys_Socket — Listen later installs the stored port into
// the port map, it does not take one of its own.
func New(lock *klock.Lock, limit kconfig.Limits, ports *PortMap, port int) (*Socket, error) {
	if port < kconfig.NoPort || port > limit.MaxPort {
		return nil, ErrInvalidPort
	}
	return &Socket{lock: lock, limit: limit, ports: ports, port: port}, nil
}

// State returns the socket's current state. The caller must hold the
// process's kernel lock, or accept a racy read.
func (s *Socket) State() State { return s.state }

// Listen implements spec.md §4.4's socket_listen: turns an UNBOUND
// socket into a LISTENER on the port it was created with. Fails if the
// socket is bound to NoPort, or the port map already holds a non-nil
// entry for the port (a listener's entry is deleted when that listener
// is closed, so any entry present belongs to a live listener).
func (s *Socket) Listen() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != Unbound {
		return ErrNotUnbound
	}
	if s.port == kconfig.NoPort {
		return ErrInvalidPort
	}

	if existing, ok := s.ports.ports[s.port]; ok && existing != nil {
		return ErrPortInUse
	}
	s.ports.ports[s.port] = s

	s.state = Listener
	s.pending = ilist.New[*connRequest]()
	s.acceptCond = s.lock.NewCond()
	klog.For("socket").WithField(klog.FieldPort, s.port).Debug("listening")
	return nil
}

// Accept implements spec.md §4.4's socket_accept: blocks until a
// Connect call arrives (or the listener is shut down), then builds the
// two-pipe peer socket pair, wires the server-side FCB, wakes the
// connecting thread (whose Connect wires the client-side FCB), and
// returns the server-side peer.
//
// serverFCB is the caller's reserved FCB for the new server-side
// peer socket (see kproc.Proc.Accept, which reserves exactly one fid
// before calling in — biscuit's sys_Accept reserves its own fid the
// same way).
func (s *Socket) Accept(serverFCB *fcb.FCB) (*Socket, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != Listener {
		return nil, ErrNotListener
	}

	for s.pending.Empty() && !s.shutdown {
		s.acceptCond.Wait()
	}
	if s.pending.Empty() && s.shutdown {
		return nil, ErrShutDown
	}

	node := s.pending.PopFront()
	req := node.Owner

	// Bound to the same port as the listener, matching the original's
	// peer_fid := sys_Socket(listener->port); the port field plays no
	// further role once the socket becomes a PEER, so the error return
	// is unreachable here (s.port already passed New's validation when
	// this listener itself was created).
	server, _ := New(s.lock, s.limit, s.ports, s.port)
	server.state = Peer
	server.peerFCB = serverFCB
	serverFCB.SetStream(peerEndpoint{server})

	clientToServer := pipe.New(s.lock, s.limit.PipeBufferSize, nil, nil)
	serverToClient := pipe.New(s.lock, s.limit.PipeBufferSize, nil, nil)

	server.readPipe = clientToServer
	server.writePipe = serverToClient
	req.client.readPipe = serverToClient
	req.client.writePipe = clientToServer

	req.accepted = true
	req.done = true
	req.cond.Broadcast()

	klog.For("socket").WithField(klog.FieldPort, s.port).Debug("accepted connection")
	return server, nil
}

// Connect implements spec.md §4.4's socket_connect: looks up the
// listener on port, queues a connRequest, and blocks (bounded by
// timeout, <=0 meaning unbounded) until Accept claims it or the
// timeout/shutdown fires. On success this socket becomes a PEER wired
// to the pipes Accept created.
func (s *Socket) Connect(port int, clientFCB *fcb.FCB, timeout time.Duration) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != Unbound {
		return ErrNotUnbound
	}
	if port <= kconfig.NoPort || port > s.limit.MaxPort {
		return ErrInvalidPort
	}

	listener, ok := s.ports.ports[port]
	if !ok || listener == nil || listener.state != Listener {
		return ErrNoListener
	}

	req := &connRequest{ID: uuid.New(), client: s, cond: s.lock.NewCond()}
	req.node = listener.pending.PushBack(req)
	listener.acceptCond.Broadcast()
	klog.For("socket").WithField(klog.FieldID, req.ID).WithField(klog.FieldPort, port).Debug("connect request queued")

	for !req.done {
		if s.lock.TimedWait(req.cond, timeout) && !req.done {
			listener.pending.Remove(req.node)
			return ErrConnectTimeout
		}
	}

	if !req.accepted {
		return ErrShutDown
	}

	s.state = Peer
	s.peerFCB = clientFCB
	clientFCB.SetStream(peerEndpoint{s})
	klog.For("socket").WithField(klog.FieldPort, port).Debug("connected")
	return nil
}

// ShutDown implements spec.md §4.4's socket_shutdown: on an established
// PEER connection, closes its own read pipe's reader end, its own
// write pipe's writer end, or both, per mode. Mirrors the original's
// sys_ShutDown switch over SHUTDOWN_READ/SHUTDOWN_WRITE/SHUTDOWN_BOTH
// exactly (the listener-teardown behaviour some earlier drafts folded
// in here belongs to socket_close's SOCKET_LISTENER case instead, and
// lives in close()/shutdownLocked below).
func (s *Socket) ShutDown(mode ShutDownMode) error {
	s.lock.Lock()

	if s.state != Peer {
		s.lock.Unlock()
		return ErrNotPeer
	}

	rp, wp := s.readPipe, s.writePipe
	switch mode {
	case ShutDownRead:
		s.readPipe = nil
	case ShutDownWrite:
		s.writePipe = nil
	case ShutDownBoth:
		s.readPipe, s.writePipe = nil, nil
	default:
		s.lock.Unlock()
		return ErrInvalidShutDownMode
	}
	s.lock.Unlock()

	switch mode {
	case ShutDownRead:
		if rp != nil {
			rp.ReaderClose()
		}
	case ShutDownWrite:
		if wp != nil {
			wp.WriterClose()
		}
	case ShutDownBoth:
		if wp != nil {
			wp.WriterClose()
		}
		if rp != nil {
			rp.ReaderClose()
		}
	}

	klog.For("socket").WithField("mode", mode).Debug("shut down")
	return nil
}

// shutdownLocked fails every pending connRequest, wakes any blocked
// Accept, and frees the port, mirroring the original's socket_close
// SOCKET_LISTENER case (PORT_MAP[...] = NULL; broadcast req_available).
// The caller must hold s.lock and must already have set s.shutdown.
func (s *Socket) shutdownLocked() {
	s.pending.Each(func(req *connRequest) {
		req.done = true
		req.cond.Broadcast()
	})
	for s.pending.PopFront() != nil {
	}
	s.acceptCond.Broadcast()

	if s.ports.ports[s.port] == s {
		delete(s.ports.ports, s.port)
	}
}

// read/write/close are the unexported socket-level operations behind
// peerEndpoint's Read/Write/Close; a socket's FCB dispatches through
// that wrapper, since *Socket itself does not implement fcb.Stream.

func (s *Socket) read(buf []byte) (int, error) {
	s.lock.Lock()
	ok := s.state == Peer && s.readPipe != nil
	p := s.readPipe
	s.lock.Unlock()
	if !ok {
		return -1, ErrClosed
	}
	return p.Read(buf)
}

func (s *Socket) write(buf []byte) (int, error) {
	s.lock.Lock()
	ok := s.state == Peer && s.writePipe != nil
	p := s.writePipe
	s.lock.Unlock()
	if !ok {
		return -1, ErrClosed
	}
	return p.Write(buf)
}

// close implements spec.md §4.4's socket_close, dispatched on this
// socket's own state exactly like the original's switch over
// SOCKET_UNBOUND/SOCKET_LISTENER/SOCKET_PEER: an UNBOUND socket has
// nothing to release, a LISTENER is unpublished from the port map and
// every blocked Accept/Connect on it is woken, and a PEER's two pipe
// endpoints are closed.
func (s *Socket) close() int {
	s.lock.Lock()
	switch s.state {
	case Listener:
		if !s.shutdown {
			s.shutdown = true
			s.shutdownLocked()
		}
		s.lock.Unlock()
	case Peer:
		rp, wp := s.readPipe, s.writePipe
		s.readPipe, s.writePipe = nil, nil
		s.lock.Unlock()
		if rp != nil {
			rp.ReaderClose()
		}
		if wp != nil {
			wp.WriterClose()
		}
	default:
		s.lock.Unlock()
	}
	klog.For("socket").Debug("closed")
	return 0
}

// peerEndpoint adapts a Socket to fcb.Stream. Read/Write reject
// anything but a PEER socket, so it is safe to install on a socket's
// FCB the moment the socket is created, well before Listen/Accept/
// Connect ever runs.
type peerEndpoint struct{ s *Socket }

func (e peerEndpoint) Read(buf []byte) (int, error)  { return e.s.read(buf) }
func (e peerEndpoint) Write(buf []byte) (int, error) { return e.s.write(buf) }
func (e peerEndpoint) Close() int                    { return e.s.close() }

// Endpoint returns the fcb.Stream adapter for s, for use by callers
// (kproc.Proc.Socket) that need to install it on a freshly reserved
// FCB before the socket has necessarily become a PEER.
func Endpoint(s *Socket) fcb.Stream { return peerEndpoint{s} }

// Unwrap recovers the *Socket behind a Stream produced by Endpoint, or
// reports false for any other Stream (a pipe endpoint, say).
func Unwrap(stream fcb.Stream) (*Socket, bool) {
	e, ok := stream.(peerEndpoint)
	if !ok {
		return nil, false
	}
	return e.s, true
}
