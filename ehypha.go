package emyzelium

import (
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/emyzelium/emyzelium-go/internal/observability"
	"github.com/emyzelium/emyzelium-go/internal/pubsub"
	"github.com/emyzelium/emyzelium-go/internal/wire"
)

// Ehypha is one peer's outbound read-only link to one remote peer: a
// set of Etales keyed by title. It is owned by exactly one Efunguz and
// fed only through that Efunguz's Update.
type Ehypha struct {
	remote  string
	session *pubsub.Session
	log     zerolog.Logger

	mu     sync.Mutex
	etales map[string]*Etale
}

func newEhypha(remote string, session *pubsub.Session, log zerolog.Logger) *Ehypha {
	return &Ehypha{
		remote:  remote,
		session: session,
		log:     log,
		etales:  make(map[string]*Etale),
	}
}

// RemoteKey returns the normalized public key of the remote peer.
func (h *Ehypha) RemoteKey() string {
	return h.remote
}

// AddEtale registers interest in a title. It is idempotent: on a repeat
// call the existing Etale is returned and created is false. A new Etale
// starts empty and active.
func (h *Ehypha) AddEtale(title string) (*Etale, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.etales[title]; ok {
		return e, false
	}
	e := newEtale(title)
	h.etales[title] = e
	h.session.Subscribe(wire.Topic(title))
	return e, true
}

// DelEtale unregisters interest in a title and reports whether anything
// was removed. Data already delivered to holders of the Etale handle is
// not retroactively erased.
func (h *Ehypha) DelEtale(title string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.etales[title]; !ok {
		return false
	}
	delete(h.etales, title)
	h.session.Unsubscribe(wire.Topic(title))
	return true
}

// GetEtale looks a title up without side effects.
func (h *Ehypha) GetEtale(title string) (*Etale, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.etales[title]
	return e, ok
}

// PauseEtale stops merges for a title. Records arriving while paused
// are discarded, not queued. Reports whether the title is known and was
// active.
func (h *Ehypha) PauseEtale(title string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.etales[title]
	if !ok || !e.setPaused(true) {
		return false
	}
	h.session.Unsubscribe(wire.Topic(title))
	return true
}

// ResumeEtale re-enables merges for a title. Updates missed during the
// pause are not replayed. Reports whether the title is known and was
// paused.
func (h *Ehypha) ResumeEtale(title string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.etales[title]
	if !ok || !e.setPaused(false) {
		return false
	}
	h.session.Subscribe(wire.Topic(title))
	return true
}

// PauseAll pauses every registered title.
func (h *Ehypha) PauseAll() {
	for _, title := range h.titles() {
		h.PauseEtale(title)
	}
}

// ResumeAll resumes every registered title.
func (h *Ehypha) ResumeAll() {
	for _, title := range h.titles() {
		h.ResumeEtale(title)
	}
}

// SetConnpoint moves the subscription to a new remote address,
// reconnecting in the background.
func (h *Ehypha) SetConnpoint(host string, port uint16) {
	h.session.SetConnpoint(net.JoinHostPort(host, strconv.Itoa(int(port))))
}

func (h *Ehypha) titles() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.etales))
	for title := range h.etales {
		out = append(out, title)
	}
	return out
}

// update drains records the session has buffered and merges each one.
// The drain is bounded so one chatty remote cannot starve the caller.
func (h *Ehypha) update(now int64) {
	for n := 0; n < maxDrainPerUpdate; n++ {
		rec, ok := h.session.Poll()
		if !ok {
			return
		}
		h.absorb(rec, now)
	}
}

// absorb is the merge step for one decoded wire record: unknown titles
// and paused titles discard, stale records are dropped by the Etale's
// freshness rule.
func (h *Ehypha) absorb(rec wire.Record, now int64) {
	h.mu.Lock()
	e, ok := h.etales[rec.Title]
	h.mu.Unlock()
	if !ok {
		observability.RecordInbound(observability.OutcomeUnknownTitle)
		h.log.Debug().Str("remote", h.remote).Str("title", rec.Title).Msg("record for unknown title discarded")
		return
	}
	if e.Paused() {
		observability.RecordInbound(observability.OutcomePaused)
		return
	}
	if !e.absorb(rec.Parts, rec.TOut, now) {
		observability.RecordInbound(observability.OutcomeStale)
		h.log.Debug().Str("remote", h.remote).Str("title", rec.Title).Int64("t_out", rec.TOut).Msg("stale record dropped")
		return
	}
	observability.RecordInbound(observability.OutcomeMerged)
}

func (h *Ehypha) close() {
	h.session.Close()
}
