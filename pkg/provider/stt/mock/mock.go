// Package mock provides a test double for the stt.Link interface.
//
// Use Link in session tests to inject transcripts without a live socket:
//
//	lk := mock.NewLink()
//	lk.EmitTurn("what time is it")
package mock

import (
	"sync"

	"github.com/parlance-dev/parlance/pkg/provider/stt"
)

// Link is a scriptable mock implementation of stt.Link.
type Link struct {
	mu sync.Mutex

	// --- Call records (read after test) ---

	// SendCalls records every audio chunk passed to Send.
	SendCalls [][]byte

	// ClearCalls counts invocations of Clear.
	ClearCalls int

	// --- Configurable failures ---

	// SendErr, if non-nil, is returned from every Send call.
	SendErr error

	// ClearErr, if non-nil, is returned from every Clear call.
	ClearErr error

	events chan stt.Event
	closed bool
}

var _ stt.Link = (*Link)(nil)

// NewLink creates a mock link with a buffered events channel.
func NewLink() *Link {
	return &Link{events: make(chan stt.Event, 16)}
}

// Emit pushes an event to the link's consumers. Panics if the buffer is full
// so a stuck test fails loudly.
func (l *Link) Emit(ev stt.Event) {
	select {
	case l.events <- ev:
	default:
		panic("mock stt link: events buffer full")
	}
}

// EmitPartial pushes an interim transcript event.
func (l *Link) EmitPartial(text string) {
	l.Emit(stt.Event{Type: stt.EventPartial, Text: text})
}

// EmitTurn pushes a committed turn event.
func (l *Link) EmitTurn(text string) {
	l.Emit(stt.Event{Type: stt.EventTurn, Text: text})
}

// Send implements stt.Link, recording the chunk.
func (l *Link) Send(chunk []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return l.SendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	l.SendCalls = append(l.SendCalls, cp)
	return nil
}

// Clear implements stt.Link, recording the call.
func (l *Link) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ClearCalls++
	return l.ClearErr
}

// Events implements stt.Link.
func (l *Link) Events() <-chan stt.Event { return l.events }

// Close implements stt.Link. Safe to call more than once.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.events)
	}
	return nil
}

// Closed reports whether Close has been called.
func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// SendCount returns the number of Send invocations so far.
func (l *Link) SendCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.SendCalls)
}

// ClearCount returns the number of Clear invocations so far.
func (l *Link) ClearCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ClearCalls
}
