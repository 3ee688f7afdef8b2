// Package ipc implements the fixed-size IPC port table (§5): bounded FIFO
// message queues with FIFO waiter lists, synchronous send, and at-most-one
// -waker-per-send delivery.
package ipc

import (
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/n4ar/melloos/internal/kernelerr"
	"github.com/n4ar/melloos/internal/kspinlock"
	"github.com/n4ar/melloos/internal/percpu"
	"github.com/n4ar/melloos/internal/proctable"
	"github.com/n4ar/melloos/internal/sched"
)

// Message is one IPC message (§5 "Message"): a sender id and an opaque
// byte payload bounded by the table's configured maximum size.
type Message struct {
	From    proctable.TaskID
	Payload []byte
}

// port is one entry of the global port table. queue is a fixed-size ring
// buffer over a preallocated array: head is the index of the oldest queued
// message, count how many slots starting at head are occupied. A plain
// slice repeatedly resliced from the front would shrink its own usable
// capacity on every pop and eventually need to grow again; the ring
// indexing is what actually keeps every enqueue within the preallocated
// array for the life of the port (§4.G "no allocation while holding a port
// lock").
type port struct {
	mu       kspinlock.Mutex
	capacity int
	queue    []Message
	head     int
	count    int
	waiters  []proctable.TaskID // FIFO order, earliest waiter first
	inUse    bool
}

// enqueue appends msg to the ring, reporting false if the port is full.
// Caller holds p.mu.
func (p *port) enqueue(msg Message) bool {
	if p.count >= p.capacity {
		return false
	}
	idx := (p.head + p.count) % p.capacity
	p.queue[idx] = msg
	p.count++
	return true
}

// dequeue removes and returns the oldest queued message. Caller holds p.mu.
func (p *port) dequeue() (Message, bool) {
	if p.count == 0 {
		return Message{}, false
	}
	msg := p.queue[p.head]
	p.queue[p.head] = Message{} // drop the payload reference promptly
	p.head = (p.head + 1) % p.capacity
	p.count--
	return msg, true
}

// reset empties the ring without touching its backing array's capacity.
func (p *port) reset() {
	for i := 0; i < p.count; i++ {
		p.queue[(p.head+i)%p.capacity] = Message{}
	}
	p.head = 0
	p.count = 0
}

// lock acquires p's lock with preemption disabled on the calling CPU (§4.G
// "acquire the port lock with preemption disabled"), returning a function
// that restores both on every exit path. Degrades to a plain lock when
// called off a registered CPU goroutine (boot code, tests, and task
// Programs, which run on their own unregistered goroutines), matching
// kspinlock.IRQMutex's same convention.
func (p *port) lock() func() {
	pc, hasPC := percpu.TryCurrent()
	if hasPC {
		pc.DisablePreempt()
	}
	unlock := p.mu.Guard()
	return func() {
		unlock()
		if hasPC {
			pc.EnablePreempt()
		}
	}
}

// Table is the fixed global port table (§5). Port ids are dense indices
// into a preallocated array, never heap-allocated per port.
type Table struct {
	ports      []port
	maxMessage int

	allocMu sync.Mutex
	nextID  int
	sched   *sched.Scheduler
}

// NewTable constructs a port table with portCount fixed slots, each with
// the given FIFO capacity, and a maxMessage payload ceiling.
func NewTable(s *sched.Scheduler, portCount, capacity, maxMessage int) *Table {
	if portCount < 1 {
		portCount = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	t := &Table{
		ports:      make([]port, portCount),
		maxMessage: maxMessage,
		sched:      s,
	}
	for i := range t.ports {
		t.ports[i].capacity = capacity
		t.ports[i].queue = make([]Message, capacity)
	}
	return t
}

// Open claims an unused port and returns its id.
func (t *Table) Open() (int32, error) {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	n := len(t.ports)
	for i := 0; i < n; i++ {
		idx := (t.nextID + i) % n
		p := &t.ports[idx]
		unlock := p.mu.Guard()
		if !p.inUse {
			p.inUse = true
			p.reset()
			p.waiters = nil
			unlock()
			t.nextID = (idx + 1) % n
			return int32(idx), nil
		}
		unlock()
	}
	return 0, kernelerr.EPORTFULL
}

// Close releases a port. Any blocked waiters are made Ready and observe
// ENOPORT the next time they are scheduled, since a closed port has no
// messages to deliver.
func (t *Table) Close(id int32) error {
	p, err := t.get(id)
	if err != nil {
		return err
	}
	unlock := p.mu.Guard()
	p.inUse = false
	p.reset()
	waiters := p.waiters
	p.waiters = nil
	unlock()

	for _, wid := range waiters {
		if waiter, ok := t.sched.Table().Get(wid); ok {
			t.sched.MakeReady(waiter)
		}
	}
	return nil
}

func (t *Table) get(id int32) (*port, error) {
	if id < 0 || int(id) >= len(t.ports) {
		return nil, kernelerr.ENOPORT
	}
	p := &t.ports[id]
	return p, nil
}

// Send implements §5 send(): atomically either hands the message straight
// to the earliest waiting receiver, or enqueues it on the port's FIFO
// (EPORTFULL if full). No allocation happens while the
// port lock is held beyond the initial message struct, already owned by
// the caller; at most one waiter is woken per call.
func (t *Table) Send(id int32, from proctable.TaskID, payload []byte) error {
	if len(payload) > t.maxMessage {
		return kernelerr.EINVAL
	}
	p, err := t.get(id)
	if err != nil {
		return err
	}

	unlock := p.lock()
	if !p.inUse {
		unlock()
		return kernelerr.ENOPORT
	}

	msg := Message{From: from, Payload: payload}

	var wake proctable.TaskID
	var hasWake bool
	if len(p.waiters) > 0 {
		wake = p.waiters[0]
		p.waiters = p.waiters[1:]
		hasWake = true
		// The message is handed directly to the waiter rather than queued,
		// so it is retrieved via the table's pending delivery slot below.
	} else if !p.enqueue(msg) {
		unlock()
		return kernelerr.EPORTFULL
	}
	unlock()

	if hasWake {
		t.deliverDirect(wake, msg)
		if waiter, ok := t.sched.Table().Get(wake); ok {
			t.sched.MakeReady(waiter)
		}
	}
	return nil
}

// pendingMu/pendingDeliveries hands a message directly to a woken waiter
// without requeueing it through the port's bounded FIFO, matching the
// "hands the message straight to the earliest waiting receiver" rule.
var (
	pendingMu         sync.Mutex
	pendingDeliveries = map[proctable.TaskID]Message{}
)

func (t *Table) deliverDirect(to proctable.TaskID, msg Message) {
	pendingMu.Lock()
	pendingDeliveries[to] = msg
	pendingMu.Unlock()
}

func takeDelivery(id proctable.TaskID) (Message, bool) {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	msg, ok := pendingDeliveries[id]
	if ok {
		delete(pendingDeliveries, id)
	}
	return msg, ok
}

// Recv implements §5 recv(): dequeues the oldest message if one is queued,
// otherwise appends the caller to the waiter list and suspends it. recv
// must never be called from interrupt context.
func (t *Table) Recv(rt *sched.Runtime, id int32) (Message, error) {
	p, err := t.get(id)
	if err != nil {
		return Message{}, err
	}
	self := rt.Self()

	unlock := p.lock()
	if !p.inUse {
		unlock()
		return Message{}, kernelerr.ENOPORT
	}
	if msg, ok := p.dequeue(); ok {
		unlock()
		return msg, nil
	}
	p.waiters = append(p.waiters, self.ID)
	self.SetBlockedPort(id)
	self.SetState(proctable.Blocked)
	unlock()

	t.sched.Suspend(self)

	self.SetBlockedPort(-1)
	msg, ok := takeDelivery(self.ID)
	if !ok {
		return Message{}, kernelerr.ENOPORT
	}
	return msg, nil
}
