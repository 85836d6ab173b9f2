// Command medcall is the CLI entry point.
//
// This tool runs one side of a 1-to-1 audio call. The call starts over a
// direct WebRTC connection and moves to the SFU when the direct path fails.
// The same binary can also run the development signaling relay.
//
// It can be launched interactively (no -role) or non-interactively via CLI
// flags (-role, -call, -url, -token, -mic, -out, -prefer-sfu, -relay).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/medcall/internal/app"
	"github.com/1ureka/medcall/internal/call"
	"github.com/1ureka/medcall/internal/config"
	"github.com/1ureka/medcall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a YAML config file")
	role := flag.String("role", "", "Role: initiator (patient) or responder (doctor)")
	callID := flag.String("call", "", "Call identifier")
	wsURL := flag.String("url", "", "Signaling WebSocket URL")
	token := flag.String("token", "", "Signaling bearer token")
	mic := flag.String("mic", "", "Microphone: silence, ogg:<path> or device")
	out := flag.String("out", "", "Write received audio as 16-bit PCM to this file")
	preferSFU := flag.Bool("prefer-sfu", false, "Skip the direct connection and use the SFU")
	relay := flag.Bool("relay", false, "Run the development signaling relay instead of a call")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// Flags override file and environment values.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "call":
			cfg.CallID = *callID
		case "token":
			cfg.Token = *token
		case "mic":
			cfg.Mic = *mic
		case "out":
			cfg.Output = *out
		case "prefer-sfu":
			cfg.PreferSFU = *preferSFU
		case "debug":
			cfg.Debug = *debugMode
		}
	})
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("medcall — v%s", version))
	pterm.Println()

	if *relay {
		if err := app.RunRelay(ctx, cfg); err != nil {
			util.LogError("relay stopped: %v", err)
			os.Exit(1)
		}
		return
	}

	if *wsURL != "" {
		u, err := normalizeWSURL(*wsURL)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.SignalingURL = u
	}

	switch {
	case *role != "":
		r, err := config.ParseRole(*role)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.Role = r
	case cfg.Role == "":
		// No role anywhere → interactive mode.
		runInteractive(cfg)
	}

	if cfg.CallID == "" {
		util.LogError("missing -call")
		os.Exit(1)
	}

	snap, err := runCall(ctx, cfg)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if snap.Status == call.StatusError {
		os.Exit(1)
	}
	util.LogInfo("call closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for what the flags did not provide.
func runInteractive(cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Initiator — Place the call", "Responder — Answer the call"}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	if strings.HasPrefix(role, "Initiator") {
		cfg.Role = config.RoleInitiator
	} else {
		cfg.Role = config.RoleResponder
	}

	if cfg.CallID == "" {
		cfg.CallID = askText("Call ID")
	}
	cfg.SignalingURL = askURL(cfg.SignalingURL)
}

// runCall starts the call and forwards keyboard controls until it ends.
func runCall(ctx context.Context, cfg *config.Config) (call.Snapshot, error) {
	c, err := app.StartCall(ctx, cfg)
	if err != nil {
		return call.Snapshot{}, err
	}

	pterm.Info.Println("Type 'm' + Enter to toggle mute, 'q' + Enter to hang up")
	go readControls(c.Session)

	return c.Wait(ctx), nil
}

// readControls reads single-letter commands from stdin.
func readControls(s *call.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "m":
			if _, err := s.ToggleMute(); err != nil {
				util.LogWarning("cannot toggle mute: %v", err)
			}
		case "q":
			s.EndCall()
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates and normalizes a raw WebSocket URL string.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// askText prompts until a non-empty value is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}

		util.LogWarning("a value is required")
		pterm.Println()
	}
}

// askURL prompts for the signaling URL, keeping current on empty input.
func askURL(current string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("Signaling URL (empty for %s)", current)).
			Show()

		if strings.TrimSpace(raw) == "" {
			pterm.Println()
			return current
		}
		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
