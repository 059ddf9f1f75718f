package rtcclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/mentorhub/meet/internal/adapters/rtc"
	"github.com/mentorhub/meet/internal/meeting"
	"github.com/mentorhub/meet/internal/signaling"
	"github.com/pion/webrtc/v4"
)

var ErrUnsupportedTrack = errors.New("track has no webrtc source")

// WebRTCTrack is implemented by local tracks that can be sent over pion.
type WebRTCTrack interface {
	WebRTCTrack() webrtc.TrackLocal
}

// Publish attaches tracks to the publisher connection, renegotiates and
// announces each kind.
func (c *Client) Publish(ctx context.Context, tracks ...meeting.LocalTrack) error {
	sc, err := c.current()
	if err != nil {
		return err
	}
	c.mu.Lock()
	pub := c.pub
	c.mu.Unlock()

	var added []meeting.LocalTrack
	for _, t := range tracks {
		if t == nil {
			continue
		}
		wt, ok := t.(WebRTCTrack)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedTrack, t.ID())
		}
		sender, err := pub.AddLocalTrack(wt.WebRTCTrack())
		if err != nil {
			return err
		}
		go drainRTCP(sender)
		c.mu.Lock()
		c.senders[t.ID()] = sender
		c.mu.Unlock()
		added = append(added, t)
	}
	if len(added) == 0 {
		return nil
	}
	if err := c.renegotiate(ctx, pub); err != nil {
		return err
	}
	for _, t := range added {
		if err := c.announce(ctx, sc, signaling.TypePublish, t.Kind()); err != nil {
			return err
		}
	}
	return nil
}

// Unpublish removes the senders of tracks and announces each kind.
func (c *Client) Unpublish(ctx context.Context, tracks ...meeting.LocalTrack) error {
	sc, err := c.current()
	if err != nil {
		return err
	}
	c.mu.Lock()
	pub := c.pub
	c.mu.Unlock()

	var removed []meeting.LocalTrack
	for _, t := range tracks {
		if t == nil {
			continue
		}
		c.mu.Lock()
		sender, ok := c.senders[t.ID()]
		delete(c.senders, t.ID())
		c.mu.Unlock()
		if !ok {
			continue
		}
		if err := pub.RemoveLocalTrack(sender); err != nil {
			return err
		}
		removed = append(removed, t)
	}
	if len(removed) == 0 {
		return nil
	}
	for _, t := range removed {
		if err := c.announce(ctx, sc, signaling.TypeUnpublish, t.Kind()); err != nil {
			return err
		}
	}
	return c.renegotiate(ctx, pub)
}

func (c *Client) announce(ctx context.Context, sc *conn, typ string, kind meeting.MediaKind) error {
	_, err := sc.call(ctx, func(id string) any {
		return signaling.Publication{
			Envelope: signaling.Envelope{Type: typ, ID: id},
			Kind:     string(kind),
		}
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", typ, kind, err)
	}
	return nil
}

// renegotiate runs an offer/answer round on the publisher. The round trip
// happens inside the OnOffer callback, bounded by ctx, so a failure is
// picked up here.
func (c *Client) renegotiate(ctx context.Context, pub *rtc.WebRTCConnection) error {
	c.mu.Lock()
	c.negCtx = ctx
	c.mu.Unlock()
	err := pub.Renegotiate()

	c.mu.Lock()
	c.negCtx = nil
	if err == nil {
		err = c.negErr
	}
	c.negErr = nil
	c.mu.Unlock()
	return err
}

// offerContext bounds one offer round trip by the socket and by the caller
// that started the renegotiation.
func (c *Client) offerContext(sc *conn) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	parent := c.negCtx
	c.mu.Unlock()
	if parent == nil {
		parent = sc.ctx
	}
	ctx, cancel := context.WithTimeout(parent, negotiateTTL)
	stop := context.AfterFunc(sc.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Client) sendPublisherOffer(sc *conn, pub *rtc.WebRTCConnection, offer webrtc.SessionDescription) {
	ctx, cancel := c.offerContext(sc)
	defer cancel()
	fail := func(err error) {
		pub.AbortOffer()
		c.log.Error().Err(err).Msg("publisher negotiation")
		c.mu.Lock()
		c.negErr = err
		c.mu.Unlock()
	}

	raw, err := sc.call(ctx, func(id string) any {
		return signaling.SDP{
			Envelope: signaling.Envelope{Type: signaling.TypeOffer, ID: id},
			Target:   signaling.TargetPublisher,
			SDP:      offer.SDP,
		}
	})
	if err != nil {
		fail(err)
		return
	}
	var answer signaling.SDP
	if err := signaling.Decode(raw, &answer); err != nil {
		fail(err)
		return
	}
	if err := pub.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		fail(err)
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
