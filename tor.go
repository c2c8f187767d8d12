package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/cretz/bine/torutil"
	tued25519 "github.com/cretz/bine/torutil/ed25519"
)

// torConfig represents the optional onion-service listener config.
type torConfig struct {
	Enabled bool   `koanf:"enabled"`
	KeyPath string `koanf:"key_path"`
}

// getOrCreatePK loads the onion service key from disk, generating and
// persisting a fresh one on first run so the .onion address is stable.
func getOrCreatePK(path string) (ed25519.PrivateKey, error) {
	d, err := os.ReadFile(path)
	if err != nil || len(d) == 0 {
		_, pk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		x509Encoded, err := x509.MarshalPKCS8PrivateKey(pk)
		if err != nil {
			return nil, err
		}
		pemEncoded := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: x509Encoded})
		if err := os.WriteFile(path, pemEncoded, 0600); err != nil {
			return nil, err
		}
		return pk, nil
	}

	block, _ := pem.Decode(d)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM in %s", path)
	}
	tPk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pk, ok := tPk.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("invalid key type %T wanted ed25519.PrivateKey", tPk)
	}
	return pk, nil
}

type torServer struct {
	Handler    http.Handler
	PrivateKey ed25519.PrivateKey
}

func onionAddr(pk ed25519.PrivateKey) string {
	return torutil.OnionServiceIDFromV3PublicKey(tued25519.PublicKey([]byte(pk.Public().(ed25519.PublicKey))))
}

// Serve publishes the handler as a v3 onion service over the given local
// listener. Requires a tor binary on the host.
func (ts *torServer) Serve(ln net.Listener) error {
	d, err := os.MkdirTemp("", "livecast-tor")
	if err != nil {
		return err
	}

	t, err := tor.Start(nil, &tor.StartConf{TempDataDirBase: d, NoHush: true})
	if err != nil {
		return fmt.Errorf("unable to start Tor: %v", err)
	}
	defer t.Close()

	// Publishing the service can take a couple of minutes.
	listenCtx, listenCancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer listenCancel()

	onion, err := t.Listen(listenCtx, &tor.ListenConf{
		LocalListener: ln,
		Key:           ts.PrivateKey,
		Version3:      true,
		RemotePorts:   []int{80},
	})
	if err != nil {
		return fmt.Errorf("unable to create onion service: %v", err)
	}
	defer onion.Close()

	return http.Serve(onion, ts.Handler)
}
