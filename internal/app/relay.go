package app

import (
	"context"
	"fmt"
	"net"

	"github.com/pterm/pterm"

	"github.com/1ureka/medcall/internal/config"
	"github.com/1ureka/medcall/internal/protocol"
	"github.com/1ureka/medcall/internal/signaling"
)

// Relay is a running development signaling relay.
type Relay struct {
	Hub  *signaling.Hub
	Addr net.Addr
}

// StartRelay starts the relay on cfg.RelayAddr. Clients get cfg.STUNServers
// as their ICE configuration.
func StartRelay(cfg *config.Config) (*Relay, error) {
	var ice []protocol.ICEServer
	if len(cfg.STUNServers) > 0 {
		ice = []protocol.ICEServer{{URLs: cfg.STUNServers}}
	}
	hub := signaling.NewHub(signaling.HubOptions{Token: cfg.Token, ICEServers: ice})
	addr, err := hub.Start(cfg.RelayAddr)
	if err != nil {
		return nil, err
	}
	return &Relay{Hub: hub, Addr: addr}, nil
}

// URL is the signaling URL clients dial.
func (r *Relay) URL() string {
	return fmt.Sprintf("ws://%s/ws", r.Addr.String())
}

// RunRelay serves until ctx is cancelled.
func RunRelay(ctx context.Context, cfg *config.Config) error {
	r, err := StartRelay(cfg)
	if err != nil {
		return err
	}

	pterm.DefaultBox.WithTitle("Signaling relay").Println(
		fmt.Sprintf("Listening : %s\nClients   : -url %s", r.Addr, r.URL()),
	)

	<-ctx.Done()
	return r.Hub.Close()
}
