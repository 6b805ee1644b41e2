package pubsub

import (
	"testing"
	"time"

	"github.com/Rudd-O/curvetls"
	"github.com/rs/zerolog"

	"github.com/emyzelium/emyzelium-go/internal/keys"
	"github.com/emyzelium/emyzelium-go/internal/wire"
)

func testKeys(t *testing.T) (curvetls.Privkey, curvetls.Pubkey) {
	t.Helper()
	priv, pub, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	return priv, pub
}

func newTestServer(t *testing.T, retain bool) *Server {
	t.Helper()
	priv, pub := testKeys(t)
	s, err := NewServer(priv, pub, 0, retain, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestServerBindsEphemeralPort(t *testing.T) {
	s := newTestServer(t, true)
	if s.Port() == 0 {
		t.Fatalf("ephemeral port not resolved")
	}
	if n := s.ConnCount(); n != 0 {
		t.Fatalf("fresh server reports %d connections", n)
	}
}

func TestPublishWithoutSubscribersSucceeds(t *testing.T) {
	s := newTestServer(t, true)
	topic := wire.Topic("t")
	s.Publish(topic, wire.EncodeData("t", 1, nil))
	s.DrainAuthRequests(func(curvetls.Pubkey) bool { return true })
}

func TestSubscriberPrefixMatch(t *testing.T) {
	sub := &subscriber{filters: map[string][]byte{}}
	if sub.matches(wire.Topic("a")) {
		t.Fatalf("empty filter set matched")
	}
	sub.filters[string(wire.Topic("a"))] = wire.Topic("a")
	if !sub.matches(wire.Topic("a")) {
		t.Fatalf("exact topic not matched")
	}
	// The 0x00 terminator keeps "a" from matching "ab".
	if sub.matches(wire.Topic("ab")) {
		t.Fatalf("terminated topic prefix-matched a longer title")
	}
	// A bare prefix filter does match longer topics.
	sub.filters["b"] = []byte("b")
	if !sub.matches(wire.Topic("bcd")) {
		t.Fatalf("prefix filter did not match")
	}
}

func TestSubscriberOfferDropsWhenFull(t *testing.T) {
	sub := &subscriber{sendCh: make(chan []byte, 1)}
	sub.offer([]byte("one"))
	sub.offer([]byte("two"))
	select {
	case msg := <-sub.sendCh:
		if string(msg) != "one" {
			t.Fatalf("queue reordered: %q", msg)
		}
	default:
		t.Fatalf("queue empty")
	}
	select {
	case msg := <-sub.sendCh:
		t.Fatalf("overflow was queued: %q", msg)
	default:
	}
}

func TestReplayForHonorsRetention(t *testing.T) {
	s := newTestServer(t, true)
	topic := wire.Topic("t")
	msg := wire.EncodeData("t", 1, nil)
	s.Publish(topic, msg)

	sub := &subscriber{srv: s, sendCh: make(chan []byte, 4)}
	s.replayFor(sub, topic)
	select {
	case got := <-sub.sendCh:
		if string(got) != string(msg) {
			t.Fatalf("replayed message differs")
		}
	default:
		t.Fatalf("retained value not replayed")
	}
	// Non-matching subscriptions replay nothing.
	s.replayFor(sub, wire.Topic("other"))
	select {
	case <-sub.sendCh:
		t.Fatalf("replay for non-matching prefix")
	default:
	}
}

func TestReplayForDisabledRetention(t *testing.T) {
	s := newTestServer(t, false)
	topic := wire.Topic("t")
	s.Publish(topic, wire.EncodeData("t", 1, nil))
	sub := &subscriber{srv: s, sendCh: make(chan []byte, 4)}
	s.replayFor(sub, topic)
	select {
	case <-sub.sendCh:
		t.Fatalf("replay happened with retention off")
	default:
	}
}

func TestServerEnqueueRefusesAfterClose(t *testing.T) {
	priv, pub := testKeys(t)
	s, err := NewServer(priv, pub, 0, true, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	_, clientPub := testKeys(t)
	p := &pendingConn{pub: clientPub}
	if !s.enqueue(p) {
		t.Fatalf("enqueue refused on a live server")
	}
	<-s.pending

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// A handshake finishing after Close must be refused, not parked
	// behind a queue nobody drains.
	if s.enqueue(p) {
		t.Fatalf("enqueue accepted after Close")
	}
}

func TestSessionIdleWithoutConnpoint(t *testing.T) {
	priv, pub := testKeys(t)
	_, serverPub := testKeys(t)
	s := NewSession(priv, pub, serverPub, "", "", zerolog.Nop())
	defer s.Close()

	if _, ok := s.Poll(); ok {
		t.Fatalf("idle session produced a record")
	}
	// Subscription bookkeeping works while disconnected.
	s.Subscribe(wire.Topic("t"))
	s.Unsubscribe(wire.Topic("t"))
	if _, ok := s.Poll(); ok {
		t.Fatalf("control traffic produced a record")
	}
}

func TestSessionEnqueueEvictsOldestWhenFull(t *testing.T) {
	priv, pub := testKeys(t)
	_, serverPub := testKeys(t)
	s := NewSession(priv, pub, serverPub, "", "", zerolog.Nop())
	defer s.Close()

	for i := 0; i < inQueueDepth+10; i++ {
		s.enqueue(wire.Record{Title: "t", TOut: int64(i)})
	}
	rec, ok := s.Poll()
	if !ok {
		t.Fatalf("queue empty after overflow")
	}
	if rec.TOut != 10 {
		t.Fatalf("oldest surviving record: t_out=%d want 10", rec.TOut)
	}
	n := 1
	last := rec.TOut
	for {
		rec, ok := s.Poll()
		if !ok {
			break
		}
		last = rec.TOut
		n++
	}
	if n != inQueueDepth {
		t.Fatalf("buffered records: %d want %d", n, inQueueDepth)
	}
	if last != int64(inQueueDepth+9) {
		t.Fatalf("newest record lost: last t_out=%d want %d", last, inQueueDepth+9)
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	priv, pub := testKeys(t)
	_, serverPub := testKeys(t)
	s := NewSession(priv, pub, serverPub, "127.0.0.1:1", "", zerolog.Nop())
	s.Close()
	s.Close()
	// Leave the dialer goroutine a moment to observe done.
	time.Sleep(20 * time.Millisecond)
}

func TestSessionSetConnpointNoopOnSameAddress(t *testing.T) {
	priv, pub := testKeys(t)
	_, serverPub := testKeys(t)
	s := NewSession(priv, pub, serverPub, "", "", zerolog.Nop())
	defer s.Close()
	s.SetConnpoint("127.0.0.1:60847")
	s.SetConnpoint("127.0.0.1:60847")
	s.SetConnpoint("")
}
