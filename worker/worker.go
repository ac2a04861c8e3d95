// Package worker is a single-threaded cooperative scheduler: one event loop
// per Worker, a post/add task queue, and a generic per-request-type reply
// registry. One goroutine owns all Connection and Sender state reachable
// from its tasks; everything else communicates by posting onto its
// channels instead of touching that state directly.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package worker

import (
	"sync"

	"github.com/google/uuid"

	"github.com/flowlog/flowlog/internal/nlog"
	"github.com/flowlog/flowlog/sender"
)

// PeerAddress identifies who a reply came from, mirroring sender.Peer.
type PeerAddress = sender.Peer

// Request is anything post() can enqueue: Run executes on the Worker
// goroutine to completion, with no suspension points but I/O readiness.
type Request interface {
	Run()
}

// RequestFunc adapts a plain function to Request.
type RequestFunc func()

func (f RequestFunc) Run() { f() }

// replyEntry is one entry in the generic "rqid -> on_reply" registry. Since
// Go generic methods on non-generic receivers aren't allowed, the registry
// stores type-erased callbacks and a small Register[T] free function
// narrows them back to the caller's message type.
type replyEntry struct {
	call  func(from PeerAddress, raw any)
	trace string
}

// Worker is a single-threaded cooperative executor bound to one event
// loop. All Connection and Sender state reachable from registered
// requests must only be touched from the Worker's own goroutine.
type Worker struct {
	tasks chan Request
	quit  chan struct{}
	done  chan struct{}

	mu           sync.Mutex
	shuttingDown bool
	replies      map[uint64]replyEntry

	Sender *sender.Sender
}

// New builds a Worker bound to snd. Call Run to start its event loop on the
// calling goroutine, or `go w.Run()` to run it in the background.
func New(snd *sender.Sender) *Worker {
	return &Worker{
		tasks:   make(chan Request, 256),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		replies: make(map[uint64]replyEntry),
		Sender:  snd,
	}
}

// Post enqueues a task for execution on the Worker's event loop. Returns
// false if the Worker is shutting down and the task was dropped.
func (w *Worker) Post(r Request) bool {
	w.mu.Lock()
	down := w.shuttingDown
	w.mu.Unlock()
	if down {
		return false
	}
	select {
	case w.tasks <- r:
		return true
	case <-w.quit:
		return false
	}
}

// Add enqueues a closure, equivalent to Post(RequestFunc(f)).
func (w *Worker) Add(f func()) bool { return w.Post(RequestFunc(f)) }

// Register records onReply against rqid; Register[T] narrows the generic
// reply registry to one concrete message type T.
func Register[T any](w *Worker, rqid uint64, onReply func(from PeerAddress, msg T)) {
	trace := uuid.NewString()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.replies[rqid] = replyEntry{
		trace: trace,
		call: func(from PeerAddress, raw any) {
			msg, ok := raw.(T)
			if !ok {
				nlog.Warningf("worker[%s]: reply for rqid=%d has unexpected type %T", trace, rqid, raw)
				return
			}
			onReply(from, msg)
		},
	}
	nlog.Infof("worker[%s]: registered reply for rqid=%d", trace, rqid)
}

// Unregister removes rqid from the reply registry, e.g. when a request is
// cancelled before a reply arrives.
func (w *Worker) Unregister(rqid uint64) {
	w.mu.Lock()
	delete(w.replies, rqid)
	w.mu.Unlock()
}

// DispatchReply looks rqid up in the registry: if absent, drops silently;
// if present, invokes its callback on the Worker's own goroutine rather
// than inline from an arbitrary reader goroutine.
func (w *Worker) DispatchReply(rqid uint64, from PeerAddress, msg any) {
	w.mu.Lock()
	entry, ok := w.replies[rqid]
	if ok {
		delete(w.replies, rqid)
	}
	w.mu.Unlock()

	if !ok {
		nlog.Infof("worker: reply for unknown rqid=%d dropped (no pending trace)", rqid)
		return
	}
	nlog.Infof("worker[%s]: dispatching reply for rqid=%d", entry.trace, rqid)
	w.Post(RequestFunc(func() { entry.call(from, msg) }))
}

// Run is the Worker's event loop: it drains tasks until Shutdown is called
// and every already-queued task has run.
func (w *Worker) Run() {
	defer close(w.done)
	for {
		select {
		case r := <-w.tasks:
			r.Run()
		case <-w.quit:
			w.drain()
			return
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case r := <-w.tasks:
			r.Run()
		default:
			return
		}
	}
}

// Shutdown sets shutting_down, closes every Sender Connection, and joins
// the event loop.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	if w.shuttingDown {
		w.mu.Unlock()
		return
	}
	w.shuttingDown = true
	w.mu.Unlock()

	if w.Sender != nil {
		if err := w.Sender.ShutdownSockets(); err != nil {
			nlog.Errorf("worker: shutdown_sockets: %v", err)
		}
	}
	close(w.quit)
	<-w.done
}
