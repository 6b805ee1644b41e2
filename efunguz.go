package emyzelium

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/Rudd-O/curvetls"
	"github.com/benbjohnson/clock"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emyzelium/emyzelium-go/internal/keys"
	"github.com/emyzelium/emyzelium-go/internal/observability"
	"github.com/emyzelium/emyzelium-go/internal/pubsub"
	"github.com/emyzelium/emyzelium-go/internal/wire"
)

// Efunguz is the local peer. It owns the publish endpoint, the
// whitelist of identities allowed to subscribe to it, zero or more
// Ehyphae keyed by remote identity, and the snapshots of locally
// emitted Etales.
//
// All state is in-memory; a restarted peer rebuilds from configuration
// plus freshly received wire data.
type Efunguz struct {
	priv   curvetls.Privkey
	pub    curvetls.Pubkey
	pubZ85 string

	cfg    Config
	clk    clock.Clock
	log    zerolog.Logger
	server *pubsub.Server

	// Empty means unrestricted: every identity may subscribe. Only a
	// non-empty whitelist restricts.
	whitelist mapset.Set[string]

	mu      sync.Mutex
	ehyphae map[string]*Ehypha
	emitted map[string]*Etale
	closed  bool
}

// NewEfunguz creates a peer from its secret key in 40-character Z85
// form and binds its publish endpoint. Invalid keys and unbindable
// ports fail here, synchronously; nothing later in the peer's life
// terminates the process.
func NewEfunguz(secretKey string, cfg Config) (*Efunguz, error) {
	priv, err := keys.PrivkeyFromZ85(secretKey)
	if err != nil {
		return nil, fmt.Errorf("efunguz: secret key: %w", err)
	}
	pub, err := keys.DerivePublic(priv)
	if err != nil {
		return nil, fmt.Errorf("efunguz: %w", err)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := log.With().Str("component", "efunguz").Logger()
	server, err := pubsub.NewServer(priv, pub, cfg.PubPort, cfg.RetainLastValue, logger)
	if err != nil {
		return nil, fmt.Errorf("efunguz: %w", err)
	}
	f := &Efunguz{
		priv:      priv,
		pub:       pub,
		pubZ85:    keys.Z85OfPub(pub),
		cfg:       cfg,
		clk:       clk,
		log:       logger,
		server:    server,
		whitelist: mapset.NewSet[string](),
		ehyphae:   make(map[string]*Ehypha),
		emitted:   make(map[string]*Etale),
	}
	for _, k := range cfg.Whitelist {
		f.whitelist.Add(keys.Normalize(k))
	}
	return f, nil
}

// PublicKey returns this peer's identity in 40-character Z85 form.
func (f *Efunguz) PublicKey() string {
	return f.pubZ85
}

// PubPort returns the actually bound publish port, which differs from
// the configured one when that was 0.
func (f *Efunguz) PubPort() uint16 {
	return f.server.Port()
}

// AddWhitelist adds subscriber identities. Each change takes effect for
// the next authorization decision.
func (f *Efunguz) AddWhitelist(ids ...string) {
	for _, id := range ids {
		f.whitelist.Add(keys.Normalize(id))
	}
}

// DelWhitelist removes subscriber identities; unknown ones are ignored.
func (f *Efunguz) DelWhitelist(ids ...string) {
	for _, id := range ids {
		f.whitelist.Remove(keys.Normalize(id))
	}
}

// ReadWhitelist returns the current whitelist entries, sorted.
func (f *Efunguz) ReadWhitelist() []string {
	out := f.whitelist.ToSlice()
	sort.Strings(out)
	return out
}

// ClearWhitelist empties the whitelist, which again allows every
// identity to subscribe.
func (f *Efunguz) ClearWhitelist() {
	f.whitelist.Clear()
}

// authorize is the accept/reject decision handed to the transport: an
// identity may subscribe if the whitelist is empty or lists it.
func (f *Efunguz) authorize(pub curvetls.Pubkey) bool {
	return f.whitelist.IsEmpty() || f.whitelist.Contains(keys.Z85OfPub(pub))
}

// AddEhypha attaches a subscription to a remote peer, idempotently by
// identity: a repeat call returns the existing Ehypha with created
// false, and the new address and port are ignored (move a peer
// explicitly with Ehypha.SetConnpoint).
func (f *Efunguz) AddEhypha(thatKey, host string, port uint16) (*Ehypha, bool, error) {
	id := keys.Normalize(thatKey)
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.ehyphae[id]; ok {
		return h, false, nil
	}
	serverPub, err := keys.PubkeyFromZ85(id)
	if err != nil {
		return nil, false, fmt.Errorf("efunguz: remote key: %w", err)
	}
	connpoint := ""
	if host != "" {
		connpoint = net.JoinHostPort(host, strconv.Itoa(int(port)))
	}
	session := pubsub.NewSession(f.priv, f.pub, serverPub, connpoint, f.proxyAddr(), f.log)
	h := newEhypha(id, session, f.log)
	f.ehyphae[id] = h
	return h, true, nil
}

// DelEhypha detaches the subscription to a remote peer and tears its
// session down. Removing an unknown identity is a no-op returning
// false.
func (f *Efunguz) DelEhypha(thatKey string) bool {
	id := keys.Normalize(thatKey)
	f.mu.Lock()
	h, ok := f.ehyphae[id]
	delete(f.ehyphae, id)
	f.mu.Unlock()
	if !ok {
		return false
	}
	h.close()
	return true
}

// GetEhypha looks a subscription up by remote identity.
func (f *Efunguz) GetEhypha(thatKey string) (*Ehypha, bool) {
	id := keys.Normalize(thatKey)
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.ehyphae[id]
	return h, ok
}

// EmitEtale publishes a new value for a title: the send timestamp is
// assigned now, the snapshot is stored for late subscribers and local
// queries, and the record is handed to the transport. It never blocks
// on subscriber presence; publishing to nobody succeeds.
//
// The snapshot store and the transport hand-off happen under the
// instance mutex, so concurrent emits of one title cannot leave the
// local snapshot and the retained last value disagreeing.
func (f *Efunguz) EmitEtale(title string, parts [][]byte) {
	tOut := f.clk.Now().UnixMicro()
	f.mu.Lock()
	e, ok := f.emitted[title]
	if !ok {
		e = newEtale(title)
		f.emitted[title] = e
	}
	e.store(parts, tOut)
	f.server.Publish(wire.Topic(title), wire.EncodeData(title, tOut, parts))
	f.mu.Unlock()
	observability.RecordEmit()
}

// EmittedEtale returns the most recently emitted snapshot for a title.
func (f *Efunguz) EmittedEtale(title string) (*Etale, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.emitted[title]
	return e, ok
}

// Update is the reconciliation step, driven from the realm's main loop
// at any cadence: it answers every pending subscriber authorization
// request and merges whatever records each ehypha's session has
// buffered. Both drains are bounded and never wait for network input.
func (f *Efunguz) Update() {
	f.server.DrainAuthRequests(f.authorize)
	now := f.clk.Now().UnixMicro()
	f.mu.Lock()
	hs := make([]*Ehypha, 0, len(f.ehyphae))
	for _, h := range f.ehyphae {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h.update(now)
	}
}

// InConnectionsNum reports how many inbound subscriber sessions are
// currently accepted.
func (f *Efunguz) InConnectionsNum() int {
	return f.server.ConnCount()
}

// Close releases the publish endpoint and every subscription session
// deterministically. It is safe to call twice.
func (f *Efunguz) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	hs := make([]*Ehypha, 0, len(f.ehyphae))
	for _, h := range f.ehyphae {
		hs = append(hs, h)
	}
	f.ehyphae = make(map[string]*Ehypha)
	f.mu.Unlock()
	for _, h := range hs {
		h.close()
	}
	return f.server.Close()
}

func (f *Efunguz) proxyAddr() string {
	if f.cfg.ProxyPort == 0 {
		return ""
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(f.cfg.ProxyPort)))
}
