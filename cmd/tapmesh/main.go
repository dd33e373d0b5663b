// Tapmesh — CLI entry point.
//
// This tool bridges a TAP virtual network interface to one or more friends
// over WebRTC DataChannels, rendezvousing through a PIN-protected WebSocket
// signaling exchange. There are no relay servers once signaling completes.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -wsPort, -wsUrl, -wsListen, -friend).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/tapmesh/internal/config"
	"github.com/1ureka/tapmesh/internal/mux"
	"github.com/1ureka/tapmesh/internal/selfloop"
	"github.com/1ureka/tapmesh/internal/signaling"
	"github.com/1ureka/tapmesh/internal/tap"
	"github.com/1ureka/tapmesh/internal/transport/webrtc"
	"github.com/1ureka/tapmesh/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	role := flag.String("role", "", "Role: host or client")
	wsPortFlag := flag.Int("wsPort", 0, "WebSocket signaling server port (host only; only shown in the startup log, the server always listens on a random port)")
	wsURLFlag := flag.String("wsUrl", "", "WebSocket URL to connect to, including ?pin= (client only)")
	wsListenFlag := flag.Bool("wsListen", false, "Listen on all network interfaces (host only; only shown in the startup log, the server always listens on all interfaces)")
	friendFlag := flag.Uint64("friend", 1, "Friend handle to use for the client-side connection")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Tapmesh — v%s", version))
	pterm.Println()

	switch *role {
	case "":
		runInteractive(ctx)

	case "host":
		var wsAddr string
		switch {
		case *wsListenFlag:
			wsAddr = fmt.Sprintf(":%d", *wsPortFlag)
		case *wsPortFlag > 0:
			wsAddr = fmt.Sprintf("127.0.0.1:%d", *wsPortFlag)
		default:
			wsAddr = ":0"
		}
		runHost(ctx, wsAddr)

	case "client":
		if *wsURLFlag == "" {
			util.LogError("missing -wsUrl for client role")
			os.Exit(1)
		}
		wsURL, err := normalizeWSURL(*wsURLFlag)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		runClient(ctx, wsURL, uint32(*friendFlag))

	default:
		util.LogError("invalid -role: must be 'host' or 'client'")
		os.Exit(1)
	}

	util.LogInfo("tapmesh shut down")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func runInteractive(ctx context.Context) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — wait for a friend to dial in", "Client — dial a friend's signaling URL"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		runHost(ctx, ":0")
	} else {
		wsURL := askURL()
		friend := askFriend()
		runClient(ctx, wsURL, friend)
	}
}

// runHost starts the signaling server, bridges every friend that dials in,
// and blocks until ctx is cancelled.
func runHost(ctx context.Context, wsAddr string) {
	registry := webrtc.NewRegistry()
	if _, err := startSignalingServer(ctx, registry, wsAddr); err != nil {
		util.LogError("failed to start signaling server: %v", err)
		os.Exit(1)
	}

	bridge(ctx, registry)
}

// runClient dials the friend's signaling URL under the given handle, then
// bridges once the peer connection is up.
func runClient(ctx context.Context, wsURL string, friend uint32) {
	registry := webrtc.NewRegistry()
	if err := signaling.DialFriend(ctx, wsURL, registry, friend); err != nil {
		util.LogError("failed to dial friend: %v", err)
		os.Exit(1)
	}
	util.LogSuccess("signaling exchange with friend %08x complete", friend)

	bridge(ctx, registry)
}

// startSignalingServer spins up the PIN-protected signaling server, prints
// the PIN and port, and wires every negotiated peer to trigger a
// mux.Connect once the bridge loop is running — the actual wiring happens
// inside bridge, since the Mux doesn't exist until then. The PIN is issued
// immediately so a host operator can share it before the first friend dials
// in.
func startSignalingServer(ctx context.Context, registry *webrtc.Registry, wsAddr string) (int, error) {
	server := signaling.NewServer(registry)
	pin := server.IssuePIN()

	port, err := server.Start()
	if err != nil {
		return 0, err
	}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	util.LogSuccess("signaling server listening on :%d (requested %s), PIN: %s", port, wsAddr, pin)
	util.LogInfo("share ws://<your-address>:%d/ws?pin=%s with your friend", port, pin)

	pendingFriends = make(chan uint32, 16)
	server.OnNewPeer(func(friend uint32) {
		select {
		case pendingFriends <- friend:
		default:
			util.LogWarning("[%08x] dropped: too many pending friends", friend)
		}
	})

	return port, nil
}

// pendingFriends carries friend handles from Server.OnNewPeer (host role)
// into bridge's main loop, which owns the Mux and must call Connect from
// its own single-threaded iteration.
var pendingFriends chan uint32

// bridge wires a Mux to registry and runs the cooperative iterate loop
// until ctx is cancelled (spec.md §5's single-threaded scheduling model,
// adapted with one goroutine driving Iterate, Connect and Accept). Events
// are raised from the transport's receive callback while the Mux lock is
// held, so the handler only queues auto-accepts for this loop to run.
func bridge(ctx context.Context, registry *webrtc.Registry) {
	tapFactory := tap.NewLinuxDeviceFactory(config.DefaultMTU)
	m := mux.New(registry, tapFactory, config.DefaultMTU)
	m.SetSelfLoopFilter(selfloop.New(signalingTransportPort).IsSelfLoop)
	pendingAccepts := make(chan uint32, 16)
	m.SetEventHandler(func(ev mux.Event) {
		util.LogInfo("[%08x] %s", ev.Friend, ev.Kind)
		if ev.Kind == mux.Requested {
			select {
			case pendingAccepts <- ev.Friend:
			default:
				util.LogWarning("[%08x] auto-accept dropped: too many pending requests", ev.Friend)
			}
		}
	})

	util.StartStatsReporter(ctx)
	util.LogSuccess("bridge running — waiting for connections")

	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case friend := <-pendingFriends:
			if err := m.Connect(friend); err != nil {
				util.LogWarning("[%08x] connect failed: %v", friend, err)
			}
		case friend := <-pendingAccepts:
			if err := m.Accept(friend); err != nil {
				util.LogWarning("[%08x] auto-accept failed: %v", friend, err)
			}
		default:
		}

		m.Iterate()
		time.Sleep(m.IterationInterval())
	}
}

// signalingTransportPort is a placeholder UDP source port used by the
// self-loop filter; WebRTC's ICE/SCTP transport does not expose a single
// fixed local port the way a plain UDP socket would, so self-loop detection
// is effectively a no-op for this backend until the filter is grounded on
// a real port lookup.
const signalingTransportPort = 0

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates and normalizes a raw WebSocket URL string,
// preserving any query string (the PIN travels as ?pin=...).
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = "/ws"
	}
	u.Scheme = scheme
	return u.String(), nil
}

// askURL prompts the user for a valid WebSocket URL (with PIN) until one is
// entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("WebSocket URL, including ?pin=... (e.g. ws://host:port/ws?pin=123456)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askFriend prompts for the friend handle to use for this client session.
func askFriend() uint32 {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Friend handle (a number identifying this peer)").
			WithDefaultValue("1").
			Show()

		n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
		if err == nil {
			pterm.Println()
			return uint32(n)
		}

		util.LogWarning("invalid friend handle: must be a positive integer")
		pterm.Println()
	}
}
