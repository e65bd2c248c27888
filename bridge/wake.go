package bridge

import (
	"github.com/okdaichi/quicbridge/quic"
)

// interest is the state change a suspended operation waits for.
type interest int

const (
	interestReadable interest = iota + 1
	interestWritable
	interestHandshakeDone
	interestClosed
)

var interestTexts = map[interest]string{
	interestReadable:      "readable",
	interestWritable:      "writable",
	interestHandshakeDone: "handshake_done",
	interestClosed:        "closed",
}

func (i interest) String() string {
	return interestTexts[i]
}

// ordered interests are served first come first served: a later waiter is
// not tried while an earlier one is still unsatisfied.
func (i interest) ordered() bool {
	return i == interestReadable || i == interestWritable
}

type wakeKey struct {
	conn     quic.ConnectionID
	stream   quic.StreamID
	interest interest
}

// registration is a suspended operation. try attempts to complete it and
// reports whether it is finished; fail finishes it with an error.
type registration struct {
	key   wakeKey
	try   func() bool
	fail  func(error)
	timer *timer
}

// wakeTable holds the registrations of every suspended operation.
type wakeTable struct {
	regs  map[wakeKey][]*registration
	count int
}

func newWakeTable() *wakeTable {
	return &wakeTable{regs: make(map[wakeKey][]*registration)}
}

func (w *wakeTable) add(key wakeKey, try func() bool, fail func(error)) *registration {
	reg := &registration{key: key, try: try, fail: fail}
	w.regs[key] = append(w.regs[key], reg)
	w.count++
	return reg
}

func (w *wakeTable) pending(key wakeKey) bool {
	return len(w.regs[key]) > 0
}

// remove drops reg. It reports false when reg was not registered.
func (w *wakeTable) remove(reg *registration) bool {
	regs := w.regs[reg.key]
	for i, r := range regs {
		if r != reg {
			continue
		}
		regs = append(regs[:i], regs[i+1:]...)
		if len(regs) == 0 {
			delete(w.regs, reg.key)
		} else {
			w.regs[reg.key] = regs
		}
		w.count--
		return true
	}
	return false
}

// resolve tries the registrations under key in order and returns those
// that finished, after removing them.
func (w *wakeTable) resolve(key wakeKey) []*registration {
	regs := w.regs[key]
	if len(regs) == 0 {
		return nil
	}

	var (
		done []*registration
		kept []*registration
	)
	for i, reg := range regs {
		if reg.try() {
			done = append(done, reg)
			continue
		}
		if key.interest.ordered() {
			kept = append(kept, regs[i:]...)
			break
		}
		kept = append(kept, reg)
	}

	if len(kept) == 0 {
		delete(w.regs, key)
	} else {
		w.regs[key] = kept
	}
	w.count -= len(done)
	return done
}

// keys returns the keys of conn holding registrations.
func (w *wakeTable) keys(conn quic.ConnectionID) []wakeKey {
	var keys []wakeKey
	for key := range w.regs {
		if key.conn == conn {
			keys = append(keys, key)
		}
	}
	return keys
}

// all removes and returns every registration.
func (w *wakeTable) all() []*registration {
	var regs []*registration
	for _, rs := range w.regs {
		regs = append(regs, rs...)
	}
	clear(w.regs)
	w.count = 0
	return regs
}

func (w *wakeTable) len() int {
	return w.count
}
