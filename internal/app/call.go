// Package app contains the top-level orchestration of a call client and of
// the development relay.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"

	"github.com/1ureka/medcall/internal/call"
	"github.com/1ureka/medcall/internal/config"
	"github.com/1ureka/medcall/internal/media"
	"github.com/1ureka/medcall/internal/signaling"
	"github.com/1ureka/medcall/internal/util"
)

// Call is one running call client.
type Call struct {
	Session *call.Session

	out       io.Closer
	stopStats context.CancelFunc
	cancelSub func()
}

// StartCall connects to signaling and starts cfg.CallID as cfg.Role:
//  1. Resolve the microphone and the playback output
//  2. Dial the signaling channel (owned by the session)
//  3. Initialize the session, which joins the room and starts P2P or SFU
//  4. Report status changes and media statistics until the call ends
func StartCall(ctx context.Context, cfg *config.Config) (*Call, error) {
	if cfg.Role == "" {
		return nil, errors.New("missing role")
	}
	if cfg.CallID == "" {
		return nil, call.ErrMissingCallID
	}

	// ── 1. Media ────────────────────────────────────────────────────────
	src, err := media.ParseSource(cfg.Mic)
	if err != nil {
		return nil, err
	}
	out, w, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	// ── 2. Signaling ────────────────────────────────────────────────────
	opts := []signaling.Option{signaling.WithRequestTimeout(cfg.Timeouts.Request)}
	if cfg.Token != "" {
		opts = append(opts, signaling.WithToken(cfg.Token))
	}
	ch, err := signaling.Dial(ctx, cfg.SignalingURL, opts...)
	if err != nil {
		out.Close()
		return nil, err
	}

	// ── 3. Session ──────────────────────────────────────────────────────
	c := &Call{out: out}
	c.Session = call.New(ch, call.Options{
		OwnsChannel: true,
		Source:      src,
		Sink:        media.NewPlaybackSink(w),
		Timeouts:    cfg.Timeouts,
		STUNServers: cfg.STUNServers,
		PreferSFU:   cfg.PreferSFU,
	})
	c.cancelSub = c.Session.Subscribe(report)

	util.Stats.Reset()
	statsCtx, stopStats := context.WithCancel(context.Background())
	c.stopStats = stopStats
	util.StartStatsReporter(statsCtx, cfg.StatsInterval)

	if err := c.Session.Initialize(ctx, cfg.CallID, cfg.Role); err != nil {
		c.close()
		if errors.Is(err, call.ErrEnded) {
			return nil, fmt.Errorf("call %s: %w", cfg.CallID, err)
		}
		return nil, fmt.Errorf("failed to start call %s: %w", cfg.CallID, err)
	}
	return c, nil
}

// Wait blocks until the call is torn down. Cancelling ctx hangs up.
func (c *Call) Wait(ctx context.Context) call.Snapshot {
	select {
	case <-c.Session.Done():
	case <-ctx.Done():
		c.Session.EndCall()
		<-c.Session.Done()
	}
	c.close()
	return c.Session.Snapshot()
}

func (c *Call) close() {
	if c.cancelSub != nil {
		c.cancelSub()
	}
	c.stopStats()
	if err := c.out.Close(); err != nil {
		util.LogDebug("failed to close audio output: %v", err)
	}
}

// report prints status changes for an operator.
func report(ev call.Event) {
	s := ev.Snapshot
	if ev.Previous == s.Status {
		if s.Status == call.StatusConnected {
			pterm.Info.Printfln("Microphone muted: %t", s.Muted)
		} else {
			pterm.Info.Printfln("Transport: %s", s.Mode)
		}
		return
	}

	switch s.Status {
	case call.StatusConnecting:
		pterm.Info.Printfln("Connecting call %s as %s...", s.CallID, s.Role)
	case call.StatusConnected:
		pterm.Success.Printfln("Call connected over %s", s.Mode)
	case call.StatusEnded:
		pterm.Info.Printfln("Call ended: %s", s.Message)
	case call.StatusError:
		pterm.Error.Printfln("Call failed: %s", s.Message)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openOutput opens the PCM destination. An empty path discards audio.
func openOutput(path string) (io.Closer, io.Writer, error) {
	if path == "" {
		return nopCloser{}, io.Discard, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audio output: %w", err)
	}
	return f, f, nil
}
