// Command emyzelium-keygen generates a peer keypair and prints the
// 40-character Z85 forms. Identities are exchanged out-of-band, so this
// is the starting point of every deployment.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/emyzelium/emyzelium-go/internal/keys"
	"github.com/emyzelium/emyzelium-go/internal/observability"
)

func main() {
	observability.InitLogger("emyzelium-keygen")
	out := flag.String("out", "", "write <out>.sec and <out>.pub instead of printing the secret key")
	flag.Parse()

	priv, pub, err := keys.Generate()
	if err != nil {
		log.Fatal().Err(err).Msg("keypair generation failed")
	}
	secZ85 := keys.Z85OfPriv(priv)
	pubZ85 := keys.Z85OfPub(pub)

	if *out == "" {
		fmt.Printf("secret: %s\npublic: %s\n", secZ85, pubZ85)
		return
	}
	if err := os.WriteFile(*out+".sec", []byte(secZ85+"\n"), 0o600); err != nil {
		log.Fatal().Err(err).Msg("failed to write secret key file")
	}
	if err := os.WriteFile(*out+".pub", []byte(pubZ85+"\n"), 0o644); err != nil {
		log.Fatal().Err(err).Msg("failed to write public key file")
	}
	fmt.Printf("public: %s\nwrote %s.sec and %s.pub\n", pubZ85, *out, *out)
}
