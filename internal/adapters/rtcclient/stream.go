package rtcclient

import (
	"context"
	"sync/atomic"

	"github.com/mentorhub/meet/internal/meeting"
	"github.com/mentorhub/meet/internal/signaling"
)

// dataStream carries chat payloads as stream_message signals.
type dataStream struct {
	client *Client
	closed atomic.Bool
}

func (c *Client) CreateDataStream(context.Context) (meeting.DataStream, error) {
	if _, err := c.current(); err != nil {
		return nil, err
	}
	return &dataStream{client: c}, nil
}

func (d *dataStream) Send(ctx context.Context, data []byte) error {
	if d.closed.Load() {
		return ErrClosed
	}
	sc, err := d.client.current()
	if err != nil {
		return err
	}
	_, err = sc.call(ctx, func(id string) any {
		return signaling.StreamMessage{
			Envelope: signaling.Envelope{Type: signaling.TypeStreamMessage, ID: id},
			Data:     data,
		}
	})
	return err
}

func (d *dataStream) Close() error {
	d.closed.Store(true)
	return nil
}
