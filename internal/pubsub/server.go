// Package pubsub is the transport boundary of a peer: an encrypted
// publish endpoint that fans titled data records out to authorized
// subscribers, and outbound subscriber sessions that pull records from
// remote publish endpoints.
//
// Transport security and per-connection authentication come from
// curvetls (CurveZMQ-compatible framing over TCP). Authorization is
// deliberately split from the handshake: completed handshakes queue up
// and are accepted or denied only when the owner drains the queue, so
// the whitelist decision always happens on the owner's thread.
package pubsub

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Rudd-O/curvetls"
	"github.com/rs/zerolog"

	"github.com/emyzelium/emyzelium-go/internal/observability"
	"github.com/emyzelium/emyzelium-go/internal/wire"
)

const (
	handshakeTimeout = 10 * time.Second
	authQueueDepth   = 64
	sendQueueDepth   = 64
)

// AuthDecider answers whether a subscriber with the given public key
// may attach.
type AuthDecider func(pub curvetls.Pubkey) bool

type pendingConn struct {
	raw  net.Conn
	auth *curvetls.Authorizer
	pub  curvetls.Pubkey
}

// Server is the publish side of one peer.
type Server struct {
	priv curvetls.Privkey
	pub  curvetls.Pubkey
	// wrap performs the server-side handshake with the long nonce bound
	// in; the available curvetls release does not export its nonce type,
	// so the field cannot be typed as the nonce itself.
	wrap   func(net.Conn) (*curvetls.Authorizer, curvetls.Pubkey, error)
	retain bool
	limits wire.Limits
	log    zerolog.Logger

	ln      net.Listener
	pending chan *pendingConn

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	cache  map[string][]byte
	closed bool
}

// NewServer binds the publish endpoint. Port 0 binds an ephemeral port,
// so several peers can run in one process.
func NewServer(priv curvetls.Privkey, pub curvetls.Pubkey, port uint16, retain bool, log zerolog.Logger) (*Server, error) {
	nonce, err := curvetls.NewLongNonce()
	if err != nil {
		return nil, fmt.Errorf("pubsub: long nonce: %w", err)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("pubsub: bind publish endpoint: %w", err)
	}
	s := &Server{
		priv: priv,
		pub:  pub,
		wrap: func(conn net.Conn) (*curvetls.Authorizer, curvetls.Pubkey, error) {
			return curvetls.WrapServer(conn, priv, pub, nonce)
		},
		retain:  retain,
		limits:  wire.DefaultLimits(),
		log:     log,
		ln:      ln,
		pending: make(chan *pendingConn, authQueueDepth),
		subs:    make(map[*subscriber]struct{}),
		cache:   make(map[string][]byte),
	}
	observability.RegisterMetrics()
	go s.acceptLoop()
	return s, nil
}

// Port reports the bound publish port.
func (s *Server) Port() uint16 {
	return uint16(s.ln.Addr().(*net.TCPAddr).Port)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handshake(conn)
	}
}

func (s *Server) handshake(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	auth, clientPub, err := s.wrap(conn)
	if err != nil {
		s.log.Debug().Err(err).Msg("subscriber handshake failed")
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})
	if !s.enqueue(&pendingConn{raw: conn, auth: auth, pub: clientPub}) {
		// Refuse rather than hold the connection in limbo.
		_ = auth.Deny()
		_ = conn.Close()
	}
}

// enqueue hands a completed handshake to the authorization queue. It
// refuses when the queue is full (the owner is not draining) and after
// Close, so no handshake that finishes late can sit unanswered behind
// a drained queue.
func (s *Server) enqueue(p *pendingConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.pending <- p:
		return true
	default:
		return false
	}
}

// DrainAuthRequests answers every queued authorization request without
// blocking. Accepted connections become subscriber sessions.
func (s *Server) DrainAuthRequests(decide AuthDecider) {
	for {
		select {
		case p := <-s.pending:
			s.decide(p, decide)
		default:
			return
		}
	}
}

func (s *Server) decide(p *pendingConn, decide AuthDecider) {
	accepted := decide(p.pub)
	observability.RecordAuthDecision(accepted)
	if !accepted {
		_ = p.auth.Deny()
		_ = p.raw.Close()
		return
	}
	ec, err := p.auth.Allow()
	if err != nil {
		s.log.Debug().Err(err).Msg("subscriber accept failed")
		_ = p.raw.Close()
		return
	}
	sub := &subscriber{
		srv:     s,
		ec:      ec,
		filters: make(map[string][]byte),
		sendCh:  make(chan []byte, sendQueueDepth),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ec.Close()
		return
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	observability.InboundConnOpened()
	go sub.readLoop()
	go sub.writeLoop()
}

// Publish fans a pre-encoded data record out to every subscriber whose
// filter set matches the topic. Slow subscribers lose records instead
// of slowing the publisher down.
func (s *Server) Publish(topic []byte, msg []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.retain {
		s.cache[string(topic)] = msg
	}
	targets := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()
	for _, sub := range targets {
		if sub.matches(topic) {
			sub.offer(msg)
		}
	}
}

// Retained returns the cached last value for a topic, if retention
// keeps one.
func (s *Server) Retained(topic []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.cache[string(topic)]
	return msg, ok
}

// ConnCount reports the number of currently accepted subscriber
// sessions.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close tears the endpoint down: stops accepting, denies anything still
// queued and closes every subscriber session.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for {
		select {
		case p := <-s.pending:
			_ = p.auth.Deny()
			_ = p.raw.Close()
			continue
		default:
		}
		break
	}
	for _, sub := range subs {
		s.remove(sub)
	}
	return err
}

func (s *Server) remove(sub *subscriber) {
	s.mu.Lock()
	_, present := s.subs[sub]
	delete(s.subs, sub)
	s.mu.Unlock()
	if present {
		sub.closeOnce.Do(func() {
			close(sub.done)
			_ = sub.ec.Close()
		})
		observability.InboundConnClosed()
	}
}

// replayFor sends cached last values matching a fresh subscription.
func (s *Server) replayFor(sub *subscriber, prefix []byte) {
	if !s.retain {
		return
	}
	s.mu.Lock()
	msgs := make([][]byte, 0, 1)
	for topic, msg := range s.cache {
		if bytes.HasPrefix([]byte(topic), prefix) {
			msgs = append(msgs, msg)
		}
	}
	s.mu.Unlock()
	for _, msg := range msgs {
		sub.offer(msg)
	}
}

type subscriber struct {
	srv *Server
	ec  *curvetls.EncryptedConn

	mu      sync.Mutex
	filters map[string][]byte

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (sub *subscriber) matches(topic []byte) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, prefix := range sub.filters {
		if bytes.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

func (sub *subscriber) offer(msg []byte) {
	select {
	case sub.sendCh <- msg:
	default:
	}
}

func (sub *subscriber) readLoop() {
	defer sub.srv.remove(sub)
	for {
		frame, err := sub.ec.ReadFrame()
		if err != nil {
			return
		}
		topic, subscribe, err := wire.DecodeControl(frame, sub.srv.limits)
		if err != nil {
			// Anything but a control record from a subscriber is noise.
			continue
		}
		sub.mu.Lock()
		if subscribe {
			sub.filters[string(topic)] = topic
		} else {
			delete(sub.filters, string(topic))
		}
		sub.mu.Unlock()
		if subscribe {
			sub.srv.replayFor(sub, topic)
		}
	}
}

func (sub *subscriber) writeLoop() {
	for {
		select {
		case msg := <-sub.sendCh:
			if _, err := sub.ec.Write(msg); err != nil {
				sub.srv.remove(sub)
				return
			}
		case <-sub.done:
			return
		}
	}
}
