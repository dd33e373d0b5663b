package webrtc

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tapmesh/internal/util"
)

// HighWaterMark/LowWaterMark are the per-DataChannel flow-control
// thresholds, kept verbatim from the teacher's internal/webrtc/channel.go
// backpressure constants (spec.md §4.6).
const (
	HighWaterMark = 256 * 1024
	LowWaterMark  = 64 * 1024

	sendBufferSize = 64
)

// sender is a single-writer goroutine serializing all sends to one
// DataChannel, generalized from the teacher's internal/transport/sender.go
// from a typed *protocol.Packet queue to a raw []byte queue — this backend
// already receives fully-framed packet.Packet wire bytes from the caller.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
}

func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(LowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)
	return s
}

func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case payload := <-s.inbox:
			if dc.BufferedAmount() > uint64(HighWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}
			if err := dc.Send(payload); err != nil {
				util.LogError("transport/webrtc: send failed: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// enqueue attempts to hand payload to the writer goroutine, returning false
// (instead of blocking) when the inbox is full or the channel is shut down
// — transport.Driver's send methods must be non-blocking per spec.md §5.
func (s *sender) enqueue(ctx context.Context, payload []byte) bool {
	select {
	case s.inbox <- payload:
		return true
	case <-ctx.Done():
		return false
	default:
		return false
	}
}
