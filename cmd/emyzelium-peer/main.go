// Command emyzelium-peer runs one peer from a TOML configuration:
// it attaches the configured subscriptions, periodically emits a
// heartbeat payload under the configured title and logs every etale
// update it receives.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	emyzelium "github.com/emyzelium/emyzelium-go"
	"github.com/emyzelium/emyzelium-go/internal/config"
	"github.com/emyzelium/emyzelium-go/internal/observability"
)

const updateInterval = 100 * time.Millisecond

func main() {
	observability.InitLogger("emyzelium-peer")
	configPath := flag.String("config", "peer.toml", "path to peer TOML config")
	flag.Parse()

	cfg, err := config.LoadPeerConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load peer config")
	}
	log.Info().Str("path", *configPath).Msg("loaded peer config")

	secretKey, err := config.ResolveSecretKey(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve secret key")
	}

	peer, err := emyzelium.NewEfunguz(secretKey, emyzelium.Config{
		PubPort:         cfg.PubPort,
		ProxyPort:       cfg.ProxyPort,
		RetainLastValue: cfg.RetainLast,
		Whitelist:       cfg.Whitelist,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start peer")
	}
	defer peer.Close()
	log.Info().
		Str("pubkey", peer.PublicKey()).
		Uint16("pub_port", peer.PubPort()).
		Msg("peer started")

	for _, eh := range cfg.Ehyphae {
		h, created, err := peer.AddEhypha(eh.Pubkey, eh.Host, eh.Port)
		if err != nil {
			log.Fatal().Err(err).Str("pubkey", eh.Pubkey).Msg("failed to attach ehypha")
		}
		if !created {
			continue
		}
		for _, title := range eh.Titles {
			h.AddEtale(title)
		}
		log.Info().Str("pubkey", eh.Pubkey).Strs("titles", eh.Titles).Msg("ehypha attached")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	emitEvery := time.Duration(cfg.Emit.IntervalMS) * time.Millisecond
	lastEmit := time.Time{}
	seen := make(map[string]int64)

	for {
		select {
		case <-sig:
			log.Info().Msg("peer stopping")
			return
		case <-ticker.C:
		}
		peer.Update()
		if cfg.Emit.Title != "" && time.Since(lastEmit) >= emitEvery {
			payload := fmt.Sprintf("alive %d", time.Now().UnixMicro())
			peer.EmitEtale(cfg.Emit.Title, [][]byte{[]byte(payload)})
			lastEmit = time.Now()
		}
		logFresh(peer, cfg, seen)
	}
}

// logFresh reports etales whose receive timestamp advanced since the
// last tick.
func logFresh(peer *emyzelium.Efunguz, cfg config.PeerConfig, seen map[string]int64) {
	for _, ehCfg := range cfg.Ehyphae {
		h, ok := peer.GetEhypha(ehCfg.Pubkey)
		if !ok {
			continue
		}
		for _, title := range ehCfg.Titles {
			e, ok := h.GetEtale(title)
			if !ok {
				continue
			}
			key := ehCfg.Pubkey + "\x00" + title
			if tIn := e.TIn(); tIn > seen[key] {
				seen[key] = tIn
				log.Info().
					Str("from", ehCfg.Pubkey).
					Str("title", title).
					Int("parts", len(e.Parts())).
					Int64("t_out", e.TOut()).
					Int64("t_in", tIn).
					Msg("etale updated")
			}
		}
	}
}
