package emyzelium

import "github.com/benbjohnson/clock"

// Conventional defaults for the two ports a peer touches.
const (
	// DefPubPort is the conventional publish endpoint port (0xEDAF).
	DefPubPort uint16 = 60847
	// DefProxyPort is the conventional local port of the anonymizing
	// SOCKS5 proxy.
	DefProxyPort uint16 = 9050
)

// maxDrainPerUpdate bounds how many buffered records one Update call
// merges per ehypha.
const maxDrainPerUpdate = 256

// Config carries the construction options of an Efunguz. Defaults live
// in DefaultConfig, not in package-level mutable state, so several
// independently configured peers can share a process.
type Config struct {
	// PubPort is the port the publish endpoint binds. 0 binds an
	// ephemeral port.
	PubPort uint16

	// ProxyPort is the local SOCKS5 endpoint of the anonymizing
	// transport, used for all outbound subscriptions. 0 dials directly.
	ProxyPort uint16

	// RetainLastValue keeps the last published snapshot per title and
	// replays it to peers that subscribe after publication. When false,
	// late subscribers wait for the next emit.
	RetainLastValue bool

	// Whitelist is the initial set of subscriber identities, in
	// 40-character Z85 form. Empty means no restriction: every identity
	// may subscribe.
	Whitelist []string

	// Clock supplies timestamps; nil means the real clock. Tests inject
	// a mock.
	Clock clock.Clock
}

// DefaultConfig returns the conventional peer configuration: fixed
// publish port, outbound connections through the local anonymizing
// proxy, last-value retention on, unrestricted whitelist.
func DefaultConfig() Config {
	return Config{
		PubPort:         DefPubPort,
		ProxyPort:       DefProxyPort,
		RetainLastValue: true,
	}
}
