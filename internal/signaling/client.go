package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/tapmesh/internal/transport/webrtc"
)

// DialFriend performs the client-side exchange against a Server's /ws
// endpoint (url must already carry the shared PIN as a query parameter,
// e.g. "ws://host:port/ws?pin=123456") and registers the resulting peer in
// registry under the caller-supplied friend handle.
func DialFriend(ctx context.Context, url string, registry *webrtc.Registry, friend uint32) error {
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("signaling: dial %s: %w", url, err)
	}
	defer wsConn.Close()

	pc, err := registry.NewPeer(ctx, friend)
	if err != nil {
		return fmt.Errorf("signaling: NewPeer: %w", err)
	}

	if err := clientExchange(wsConn, pc, registry.Ready(friend)); err != nil {
		registry.RemovePeer(friend)
		return fmt.Errorf("signaling: client exchange: %w", err)
	}
	return nil
}
