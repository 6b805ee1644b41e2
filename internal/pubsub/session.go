package pubsub

import (
	"net"
	"sync"
	"time"

	"github.com/Rudd-O/curvetls"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"github.com/emyzelium/emyzelium-go/internal/observability"
	"github.com/emyzelium/emyzelium-go/internal/wire"
)

const (
	dialTimeout    = 10 * time.Second
	redialInterval = 1 * time.Second
	inQueueDepth   = 256
	ctrlQueueDepth = 64
)

// Session is one outbound subscription link to a remote publish
// endpoint. It dials in the background, replays its subscription set
// after every (re)connect and buffers decoded data records for
// non-blocking polling. Reconnection is this layer's job; the owner
// only polls.
type Session struct {
	priv      curvetls.Privkey
	pub       curvetls.Pubkey
	serverPub curvetls.Pubkey
	proxyAddr string
	limits    wire.Limits
	log       zerolog.Logger

	mu        sync.Mutex
	connpoint string
	topics    map[string][]byte
	live      *curvetls.EncryptedConn
	closed    bool

	ctrlCh chan []byte
	inCh   chan wire.Record
	kick   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewSession starts the background dialer for one remote peer. An empty
// connpoint leaves the session idle until SetConnpoint. A non-empty
// proxyAddr routes the TCP connection through a SOCKS5 proxy (the
// anonymizing transport endpoint).
func NewSession(priv curvetls.Privkey, pub curvetls.Pubkey, serverPub curvetls.Pubkey, connpoint, proxyAddr string, log zerolog.Logger) *Session {
	s := &Session{
		priv:      priv,
		pub:       pub,
		serverPub: serverPub,
		proxyAddr: proxyAddr,
		limits:    wire.DefaultLimits(),
		log:       log,
		connpoint: connpoint,
		topics:    make(map[string][]byte),
		ctrlCh:    make(chan []byte, ctrlQueueDepth),
		inCh:      make(chan wire.Record, inQueueDepth),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Poll returns one buffered inbound record without blocking.
func (s *Session) Poll() (wire.Record, bool) {
	select {
	case rec := <-s.inCh:
		return rec, true
	default:
		return wire.Record{}, false
	}
}

// Subscribe registers a topic. It takes effect immediately on a live
// connection and is replayed after reconnects.
func (s *Session) Subscribe(topic []byte) {
	s.mu.Lock()
	s.topics[string(topic)] = topic
	s.mu.Unlock()
	s.offerCtrl(wire.EncodeSubscribe(topic))
}

// Unsubscribe removes a topic from the subscription set.
func (s *Session) Unsubscribe(topic []byte) {
	s.mu.Lock()
	delete(s.topics, string(topic))
	s.mu.Unlock()
	s.offerCtrl(wire.EncodeUnsubscribe(topic))
}

// SetConnpoint moves the session to a new remote address. The live
// connection, if any, is dropped and redialed.
func (s *Session) SetConnpoint(connpoint string) {
	s.mu.Lock()
	if connpoint == s.connpoint {
		s.mu.Unlock()
		return
	}
	s.connpoint = connpoint
	live := s.live
	s.live = nil
	s.mu.Unlock()
	if live != nil {
		_ = live.Close()
	}
	s.wake()
}

// Close stops the dialer and releases the connection.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		live := s.live
		s.live = nil
		s.mu.Unlock()
		close(s.done)
		if live != nil {
			_ = live.Close()
		}
	})
}

func (s *Session) offerCtrl(frame []byte) {
	// Dropped control frames are recovered by the post-connect replay of
	// the full topic set.
	select {
	case s.ctrlCh <- frame:
	default:
	}
	s.wake()
}

func (s *Session) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Session) run() {
	nonce, err := curvetls.NewLongNonce()
	if err != nil {
		s.log.Error().Err(err).Msg("session long nonce")
		return
	}
	for {
		select {
		case <-s.done:
			return
		default:
		}
		s.mu.Lock()
		connpoint := s.connpoint
		s.mu.Unlock()
		if connpoint == "" {
			s.idle()
			continue
		}
		raw, err := s.dial(connpoint)
		if err != nil {
			s.log.Debug().Err(err).Str("connpoint", connpoint).Msg("dial failed")
			s.idle()
			continue
		}
		ec, err := curvetls.WrapClient(raw, s.priv, s.pub, s.serverPub, nonce)
		if err != nil {
			s.log.Debug().Err(err).Str("connpoint", connpoint).Msg("handshake failed")
			_ = raw.Close()
			s.idle()
			continue
		}
		if !s.attach(ec, connpoint) {
			_ = ec.Close()
			continue
		}
		stop := make(chan struct{})
		go s.writeLoop(ec, stop)
		s.readLoop(ec)
		close(stop)
		s.detach(ec)
		s.idle()
	}
}

// attach installs a fresh connection unless the session moved or closed
// while the handshake was in flight.
func (s *Session) attach(ec *curvetls.EncryptedConn, connpoint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.connpoint != connpoint {
		return false
	}
	s.live = ec
	return true
}

func (s *Session) detach(ec *curvetls.EncryptedConn) {
	s.mu.Lock()
	if s.live == ec {
		s.live = nil
	}
	s.mu.Unlock()
	_ = ec.Close()
}

func (s *Session) idle() {
	select {
	case <-s.done:
	case <-s.kick:
	case <-time.After(redialInterval):
	}
}

func (s *Session) dial(connpoint string) (net.Conn, error) {
	if s.proxyAddr == "" {
		return net.DialTimeout("tcp", connpoint, dialTimeout)
	}
	d, err := proxy.SOCKS5("tcp", s.proxyAddr, nil, &net.Dialer{Timeout: dialTimeout})
	if err != nil {
		return nil, err
	}
	return d.Dial("tcp", connpoint)
}

func (s *Session) writeLoop(ec *curvetls.EncryptedConn, stop chan struct{}) {
	s.mu.Lock()
	topics := make([][]byte, 0, len(s.topics))
	for _, t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.Unlock()
	for _, t := range topics {
		if _, err := ec.Write(wire.EncodeSubscribe(t)); err != nil {
			return
		}
	}
	for {
		select {
		case frame := <-s.ctrlCh:
			if _, err := ec.Write(frame); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *Session) readLoop(ec *curvetls.EncryptedConn) {
	for {
		frame, err := ec.ReadFrame()
		if err != nil {
			return
		}
		rec, err := wire.DecodeData(frame, s.limits)
		if err != nil {
			observability.RecordInbound(observability.OutcomeDecodeError)
			continue
		}
		s.enqueue(rec)
	}
}

// enqueue buffers one inbound record. When the owner is not draining
// fast enough the oldest buffered record is evicted, so the freshest
// traffic survives.
func (s *Session) enqueue(rec wire.Record) {
	for {
		select {
		case s.inCh <- rec:
			return
		default:
		}
		select {
		case <-s.inCh:
		default:
		}
	}
}
