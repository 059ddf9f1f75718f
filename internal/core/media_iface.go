package core

import (
	"context"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// ApplyOfferAndCreateAnswer answers a client-initiated negotiation.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// ApplyAnswer completes a server-initiated negotiation.
	ApplyAnswer(webrtc.SessionDescription) error
	// Renegotiate creates a new offer and hands it to the OnOffer callback.
	// Calls made while an offer is outstanding are coalesced.
	Renegotiate() error
	OnOffer(func(webrtc.SessionDescription))
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveLocalTrack(sender *webrtc.RTPSender) error
	WriteRTCP(pkts []rtcp.Packet) error
	// OnClosed sets a callback for cleanup media session.
	OnClosed(func())
}
