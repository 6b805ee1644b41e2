// Package emyzelium lets independent programs exchange named,
// versioned, multi-part byte payloads over an anonymized, authenticated
// transport with a publish-subscribe discipline: a peer never pushes
// data into another peer's memory; it publishes, and remote peers
// choose whether and when to pull.
//
// The local peer is an Efunguz. It owns outbound subscriptions
// (Ehypha, one per remote peer), the whitelist of identities allowed to
// subscribe to its own output, and the publish-side snapshots. Each
// titled data stream a subscription tracks is an Etale.
package emyzelium

import "sync"

// Etale is the latest value of one titled data stream: an ordered list
// of byte parts plus dual timestamps. TOut is assigned by the sender at
// publish time, TIn by the receiver when the value was merged locally.
//
// Etales are owned by the Ehypha that created them; callers read them
// through the accessors and never mutate them. The whole value is
// replaced atomically on merge, so readers never observe parts from one
// update with timestamps from another.
type Etale struct {
	title string

	mu     sync.RWMutex
	parts  [][]byte
	tOut   int64
	tIn    int64
	paused bool
}

func newEtale(title string) *Etale {
	return &Etale{title: title, tOut: -1, tIn: -1}
}

// Title returns the stream title. Titles may be empty; the empty title
// is a channel like any other.
func (e *Etale) Title() string {
	return e.title
}

// Parts returns a copy of the current payload parts.
func (e *Etale) Parts() [][]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyParts(e.parts)
}

// TOut returns the sender-side microsecond timestamp, or -1 before the
// first merge.
func (e *Etale) TOut() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tOut
}

// TIn returns the receiver-side microsecond timestamp of the last
// merge, or -1 before the first one.
func (e *Etale) TIn() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tIn
}

// Paused reports whether merges for this title are currently discarded.
func (e *Etale) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

// absorb applies the freshness rule: a record is merged only if its
// tOut is strictly newer than the stored one, so stale and duplicate
// wire records are dropped and TIn never goes backwards. Returns
// whether the record was applied.
func (e *Etale) absorb(parts [][]byte, tOut, tIn int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused || tOut <= e.tOut {
		return false
	}
	e.parts = copyParts(parts)
	e.tOut = tOut
	e.tIn = tIn
	return true
}

// store replaces the publish-side snapshot unconditionally; the
// freshness rule applies to received records, not to local emits.
func (e *Etale) store(parts [][]byte, tOut int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.parts = copyParts(parts)
	e.tOut = tOut
}

// setPaused reports whether the flag changed.
func (e *Etale) setPaused(paused bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused == paused {
		return false
	}
	e.paused = paused
	return true
}

func copyParts(parts [][]byte) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = make([]byte, len(p))
		copy(out[i], p)
	}
	return out
}
