package kproc

import (
	"context"
	"testing"
	"time"

	"github.com/christofilojohn/tinyos4/kconfig"
	"github.com/christofilojohn/tinyos4/pthread"
	"github.com/christofilojohn/tinyos4/socket"
)

func TestPipeReadWriteClose(t *testing.T) {
	p := New(kconfig.Default())

	rfid, wfid, err := p.Pipe()
	if err != nil {
		t.Fatalf("Pipe() = %v", err)
	}

	if n, err := p.Write(wfid, []byte("abc")); err != nil || n != 3 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	buf := make([]byte, 3)
	if n, err := p.Read(rfid, buf); err != nil || n != 3 || string(buf) != "abc" {
		t.Fatalf("Read() = %d, %q, %v", n, buf, err)
	}

	if _, err := p.Close(wfid); err != nil {
		t.Fatalf("Close(wfid) = %v", err)
	}
	if n, err := p.Read(rfid, buf); err != nil || n != 0 {
		t.Fatalf("Read() after writer close = %d, %v, want EOF", n, err)
	}
	if _, err := p.Close(rfid); err != nil {
		t.Fatalf("Close(rfid) = %v", err)
	}
}

func TestSocketListenAcceptConnectViaProc(t *testing.T) {
	p := New(kconfig.Default())

	listenFid, err := p.Socket(42)
	if err != nil {
		t.Fatalf("Socket() = %v", err)
	}
	if err := p.Listen(listenFid); err != nil {
		t.Fatalf("Listen() = %v", err)
	}

	connectDone := make(chan error, 1)
	go func() {
		clientFid, err := p.Socket(kconfig.NoPort)
		if err != nil {
			connectDone <- err
			return
		}
		connectDone <- p.Connect(clientFid, 42, 0)
	}()

	peerFid, err := p.Accept(listenFid)
	if err != nil {
		t.Fatalf("Accept() = %v", err)
	}
	if err := <-connectDone; err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	if n, err := p.Write(peerFid, []byte("hi")); err != nil || n != 2 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
}

func TestFileIDExhaustion(t *testing.T) {
	limit := kconfig.Default()
	limit.MaxFileID = 2
	p := New(limit)

	if _, _, err := p.Pipe(); err != nil {
		t.Fatalf("first Pipe() = %v", err)
	}
	if _, _, err := p.Pipe(); err != ErrExhausted {
		t.Fatalf("second Pipe() = %v, want ErrExhausted", err)
	}
}

func TestRunAllJoinsEveryThread(t *testing.T) {
	p := New(kconfig.Default())
	tasks := []pthread.Task{
		func(argl int, args any) int { return 0 },
		func(argl int, args any) int { return 0 },
		func(argl int, args any) int { return 0 },
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.RunAll(ctx, tasks); err != nil {
		t.Fatalf("RunAll() = %v", err)
	}
}

func TestCloseListenerFidFreesPortAndWakesAccept(t *testing.T) {
	p := New(kconfig.Default())

	listenFid, err := p.Socket(43)
	if err != nil {
		t.Fatalf("Socket() = %v", err)
	}
	if err := p.Listen(listenFid); err != nil {
		t.Fatalf("Listen() = %v", err)
	}

	acceptErr := make(chan error, 1)
	go func() {
		_, err := p.Accept(listenFid)
		acceptErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := p.Close(listenFid); err != nil {
		t.Fatalf("Close(listenFid) = %v", err)
	}

	select {
	case err := <-acceptErr:
		if err == nil {
			t.Fatalf("Accept() after Close() = nil, want an error")
		}
	case <-time.After(time.Second):
		t.Fatalf("Accept() never woke up after Close() on its listener")
	}

	otherFid, err := p.Socket(43)
	if err != nil {
		t.Fatalf("Socket() = %v", err)
	}
	if err := p.Listen(otherFid); err != nil {
		t.Fatalf("Listen() on port freed by Close() = %v, want nil", err)
	}
}

func TestDupSharesRefcount(t *testing.T) {
	p := New(kconfig.Default())
	rfid, wfid, err := p.Pipe()
	if err != nil {
		t.Fatalf("Pipe() = %v", err)
	}

	dupFid, err := p.Dup(wfid)
	if err != nil {
		t.Fatalf("Dup() = %v", err)
	}
	if dupFid == wfid {
		t.Fatalf("Dup() returned same fid")
	}

	if _, err := p.Close(wfid); err != nil {
		t.Fatalf("Close(wfid) = %v", err)
	}
	// The pipe should still be writable through dupFid: only one of the
	// two references has been dropped.
	if n, err := p.Write(dupFid, []byte("x")); err != nil || n != 1 {
		t.Fatalf("Write(dupFid) = %d, %v, want the pipe still open", n, err)
	}
	_ = rfid
}

func TestShutDownWriteOnPeerHaltsWritesButNotReads(t *testing.T) {
	p := New(kconfig.Default())

	listenFid, err := p.Socket(44)
	if err != nil {
		t.Fatalf("Socket() = %v", err)
	}
	if err := p.Listen(listenFid); err != nil {
		t.Fatalf("Listen() = %v", err)
	}

	connectDone := make(chan error, 1)
	var clientFid int
	go func() {
		var err error
		clientFid, err = p.Socket(kconfig.NoPort)
		if err != nil {
			connectDone <- err
			return
		}
		connectDone <- p.Connect(clientFid, 44, 0)
	}()

	peerFid, err := p.Accept(listenFid)
	if err != nil {
		t.Fatalf("Accept() = %v", err)
	}
	if err := <-connectDone; err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	if err := p.ShutDown(peerFid, socket.ShutDownWrite); err != nil {
		t.Fatalf("ShutDown() = %v", err)
	}
	if _, err := p.Write(peerFid, []byte("x")); err == nil {
		t.Fatalf("Write() after ShutDown(Write) = nil, want an error")
	}

	if n, err := p.Write(clientFid, []byte("hi")); err != nil || n != 2 {
		t.Fatalf("Write(clientFid) = %d, %v, want the client's write half still open", n, err)
	}
	buf := make([]byte, 2)
	if n, err := p.Read(peerFid, buf); err != nil || n != 2 {
		t.Fatalf("Read(peerFid) after ShutDown(Write) = %d, %v, want the read half unaffected", n, err)
	}
}

func TestShutDownOnListenerFidFails(t *testing.T) {
	p := New(kconfig.Default())

	listenFid, err := p.Socket(45)
	if err != nil {
		t.Fatalf("Socket() = %v", err)
	}
	if err := p.Listen(listenFid); err != nil {
		t.Fatalf("Listen() = %v", err)
	}

	if err := p.ShutDown(listenFid, socket.ShutDownBoth); err != socket.ErrNotPeer {
		t.Fatalf("ShutDown() on a LISTENER fid = %v, want ErrNotPeer", err)
	}
}
