package emyzelium

import (
	"bytes"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/emyzelium/emyzelium-go/internal/wire"
)

var (
	testSecretA = strings.Repeat("0", 40)
	testSecretB = strings.Repeat("1", 40)
	testRemote  = strings.Repeat("2", 40)
)

func newTestEfunguz(t *testing.T, secret string) *Efunguz {
	t.Helper()
	f, err := NewEfunguz(secret, Config{
		PubPort:         0,
		ProxyPort:       0,
		RetainLastValue: true,
		Clock:           clock.NewMock(),
	})
	if err != nil {
		t.Fatalf("NewEfunguz: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func newTestEhypha(t *testing.T, f *Efunguz) *Ehypha {
	t.Helper()
	h, created, err := f.AddEhypha(testRemote, "", 0)
	if err != nil {
		t.Fatalf("AddEhypha: %v", err)
	}
	if !created {
		t.Fatalf("AddEhypha on fresh efunguz: created=false")
	}
	return h
}

func record(title string, tOut int64, parts ...[]byte) wire.Record {
	return wire.Record{Title: title, TOut: tOut, Parts: parts}
}

func TestAddEtaleIdempotent(t *testing.T) {
	h := newTestEhypha(t, newTestEfunguz(t, testSecretA))
	e1, created := h.AddEtale("status")
	if !created || e1 == nil {
		t.Fatalf("first add: created=%v etale=%v", created, e1)
	}
	e2, created := h.AddEtale("status")
	if created {
		t.Fatalf("repeat add reported created")
	}
	if e1 != e2 {
		t.Fatalf("repeat add returned a different etale")
	}
}

func TestDelEtaleIdempotent(t *testing.T) {
	h := newTestEhypha(t, newTestEfunguz(t, testSecretA))
	if h.DelEtale("status") {
		t.Fatalf("del of unknown title reported removal")
	}
	h.AddEtale("status")
	if !h.DelEtale("status") {
		t.Fatalf("del of known title reported nothing removed")
	}
	if _, found := h.GetEtale("status"); found {
		t.Fatalf("etale still present after del")
	}
}

func TestDelEtaleKeepsDeliveredHandle(t *testing.T) {
	h := newTestEhypha(t, newTestEfunguz(t, testSecretA))
	e, _ := h.AddEtale("status")
	h.absorb(record("status", 100, []byte{1}), 500)
	h.DelEtale("status")
	// The caller's handle keeps its data, but merges stop.
	if e.TOut() != 100 {
		t.Fatalf("delivered data erased by del: t_out=%d", e.TOut())
	}
	h.absorb(record("status", 200, []byte{2}), 600)
	if e.TOut() != 100 {
		t.Fatalf("merge applied after del: t_out=%d", e.TOut())
	}
}

func TestEmptyTitleIsOrdinaryChannel(t *testing.T) {
	h := newTestEhypha(t, newTestEfunguz(t, testSecretA))
	e, created := h.AddEtale("")
	if !created {
		t.Fatalf("empty-title add not created")
	}
	if _, found := h.GetEtale(""); !found {
		t.Fatalf("empty-title get not found")
	}
	h.absorb(record("", 100, []byte{1}), 500)
	if e.TOut() != 100 {
		t.Fatalf("empty-title merge not applied: t_out=%d", e.TOut())
	}
}

func TestMergeUnknownTitleDiscarded(t *testing.T) {
	h := newTestEhypha(t, newTestEfunguz(t, testSecretA))
	h.AddEtale("status")
	h.absorb(record("other", 100, []byte{1}), 500)
	e, _ := h.GetEtale("status")
	if e.TOut() != -1 {
		t.Fatalf("record for unknown title leaked into another etale")
	}
}

func TestPauseDiscardsWithoutReplay(t *testing.T) {
	h := newTestEhypha(t, newTestEfunguz(t, testSecretA))
	e, _ := h.AddEtale("status")
	h.absorb(record("status", 100, []byte{1}), 500)

	if !h.PauseEtale("status") {
		t.Fatalf("pause of active title returned false")
	}
	if h.PauseEtale("status") {
		t.Fatalf("pause of paused title returned true")
	}
	h.absorb(record("status", 200, []byte{2}), 600)
	if e.TOut() != 100 {
		t.Fatalf("merge applied while paused: t_out=%d", e.TOut())
	}

	if !h.ResumeEtale("status") {
		t.Fatalf("resume of paused title returned false")
	}
	if h.ResumeEtale("status") {
		t.Fatalf("resume of active title returned true")
	}
	// Nothing missed during the pause window comes back on its own.
	if e.TOut() != 100 {
		t.Fatalf("paused-window data replayed after resume: t_out=%d", e.TOut())
	}
	h.absorb(record("status", 300, []byte{3}), 700)
	if e.TOut() != 300 || !bytes.Equal(e.Parts()[0], []byte{3}) {
		t.Fatalf("fresh merge after resume not applied: t_out=%d", e.TOut())
	}
}

func TestPauseAllResumeAll(t *testing.T) {
	h := newTestEhypha(t, newTestEfunguz(t, testSecretA))
	h.AddEtale("a")
	h.AddEtale("b")
	h.PauseAll()
	for _, title := range []string{"a", "b"} {
		if e, _ := h.GetEtale(title); !e.Paused() {
			t.Fatalf("title %q not paused by PauseAll", title)
		}
	}
	h.ResumeAll()
	for _, title := range []string{"a", "b"} {
		if e, _ := h.GetEtale(title); e.Paused() {
			t.Fatalf("title %q still paused after ResumeAll", title)
		}
	}
}

func TestPauseUnknownTitle(t *testing.T) {
	h := newTestEhypha(t, newTestEfunguz(t, testSecretA))
	if h.PauseEtale("nope") || h.ResumeEtale("nope") {
		t.Fatalf("pause/resume of unknown title returned true")
	}
}

func TestEmitRoundTripThroughWire(t *testing.T) {
	f := newTestEfunguz(t, testSecretA)
	h := newTestEhypha(t, f)
	e, _ := h.AddEtale("t")

	parts := [][]byte{{0x01, 0x02}, {0x03}}
	f.EmitEtale("t", parts)
	snap, ok := f.EmittedEtale("t")
	if !ok {
		t.Fatalf("emitted snapshot missing")
	}

	// Deliver the exact wire record into the subscribing side.
	buf := wire.EncodeData("t", snap.TOut(), snap.Parts())
	rec, err := wire.DecodeData(buf, wire.DefaultLimits())
	if err != nil {
		t.Fatalf("decode emitted record: %v", err)
	}
	h.absorb(rec, 12345)

	got := e.Parts()
	if len(got) != 2 || !bytes.Equal(got[0], []byte{0x01, 0x02}) || !bytes.Equal(got[1], []byte{0x03}) {
		t.Fatalf("parts mismatch after round trip: %v", got)
	}
	if e.TOut() != snap.TOut() {
		t.Fatalf("t_out mismatch: got %d want %d", e.TOut(), snap.TOut())
	}
	if e.TIn() != 12345 {
		t.Fatalf("t_in not set to local merge time: %d", e.TIn())
	}
}
