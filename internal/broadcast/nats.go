// Package broadcast carries global system events over NATS, for deployments
// where the message store and the event bus are separate services.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/edgard/babelchat/internal/chat"
	"github.com/edgard/babelchat/internal/errs"
	"github.com/edgard/babelchat/internal/gateway"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "babelchat.system"

// Bus is a gateway.SystemBus on a NATS subject.
type Bus struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

var _ gateway.SystemBus = (*Bus)(nil)

// Connect dials the NATS server at url.
func Connect(url, subject string, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if subject == "" {
		subject = DefaultSubject
	}
	log := logger.With("component", "nats_bus")

	nc, err := nats.Connect(url,
		nats.Name("babelchat"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errs.BackendUnavailable("failed to connect to NATS at "+url, err)
	}

	log.Info("Connected to NATS", "url", nc.ConnectedUrl(), "subject", subject)
	return &Bus{nc: nc, subject: subject, logger: log}, nil
}

// PublishSystem publishes event on the bus subject.
func (b *Bus) PublishSystem(ctx context.Context, event chat.SystemEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode system event: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return errs.BackendUnavailable("failed to publish system event", err)
	}
	return nil
}

// SubscribeSystem delivers events published on the bus subject to fn. The
// subscription is registered with the server before SubscribeSystem returns.
func (b *Bus) SubscribeSystem(ctx context.Context, fn gateway.SystemHandler) (gateway.Subscription, error) {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var event chat.SystemEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("Malformed system event", "subject", msg.Subject, "error", err)
			return
		}
		fn(event)
	})
	if err != nil {
		return nil, errs.BackendUnavailable("failed to subscribe to "+b.subject, err)
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, errs.BackendUnavailable("failed to register subscription", err)
	}

	return gateway.SubscriptionFunc(func() error {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			return err
		}
		return nil
	}), nil
}

// Close drains pending messages and closes the connection.
func (b *Bus) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	b.logger.Info("NATS bus closed")
	return nil
}
