package publish

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/quillhq/quill/cfg"
	"github.com/quillhq/quill/encoding"
)

func init() {
	Register("nats", func(config cfg.PublisherConfiguration) (Publisher, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats publisher requires nats_url")
		}
		return NewNatsPublisher(config.NatsURL, config.NatsSubject)
	})
}

// NatsPublisher publishes over NATS request/reply. The remote service
// acknowledges each record by replying; a reply body beginning with "-ERR"
// counts as a rejection.
type NatsPublisher struct {
	nc      *nats.Conn
	subject string
}

func NewNatsPublisher(url, subject string) (*NatsPublisher, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NatsPublisher{nc: nc, subject: subject}, nil
}

func (n *NatsPublisher) Publish(ctx context.Context, rec Record) (Result, error) {
	data, err := encoding.Marshal(rec)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode record: %w", err)
	}

	msg, err := n.nc.RequestWithContext(ctx, n.subject, data)
	if err != nil {
		return Result{}, fmt.Errorf("publish request to %s failed: %w", n.subject, err)
	}

	reply := string(msg.Data)
	if strings.HasPrefix(reply, "-ERR") {
		return Result{Success: false, Detail: reply}, nil
	}

	return Result{Success: true, Detail: reply}, nil
}

func (n *NatsPublisher) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}
