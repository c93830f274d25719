// Package notify publishes host run events to NATS so that other systems can
// follow a batch while it runs.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/patch"
	"github.com/kidoz/esxi-patcher-go/internal/patcher"
)

// StateEvent is published on <prefix>.host.state for every transition.
type StateEvent struct {
	Address string        `json:"address"`
	Name    string        `json:"name"`
	From    patcher.State `json:"from"`
	To      patcher.State `json:"to"`
	Time    time.Time     `json:"time"`
}

// Publisher is a patcher.Observer backed by a core NATS connection. Publish
// errors are logged and never reach the state machine. A nil *Publisher
// publishes nothing.
type Publisher struct {
	conn    *nats.Conn
	prefix  string
	log     *slog.Logger
	publish func(subject string, data []byte) error
}

var _ patcher.Observer = (*Publisher)(nil)

// NewPublisher connects to the configured server, or returns nil when no
// URL is set.
func NewPublisher(cfg *config.Config, log *slog.Logger) (*Publisher, error) {
	if cfg.Notify.NATSURL == "" {
		return nil, nil
	}
	nc, err := nats.Connect(cfg.Notify.NATSURL,
		nats.Name("esxi-patcher"),
		nats.Timeout(cfg.Timeouts.Connect),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Publisher{
		conn:    nc,
		prefix:  cfg.Notify.SubjectPrefix,
		log:     log,
		publish: nc.Publish,
	}, nil
}

// Subject returns the full subject for an event name.
func (p *Publisher) Subject(name string) string {
	if p.prefix == "" {
		return name
	}
	return p.prefix + "." + name
}

func (p *Publisher) StateChanged(_ context.Context, target patch.HostTarget, from, to patcher.State) {
	if p == nil {
		return
	}
	p.send("host.state", StateEvent{
		Address: target.Address,
		Name:    target.DisplayName(),
		From:    from,
		To:      to,
		Time:    time.Now().UTC(),
	})
}

func (p *Publisher) HostFinished(_ context.Context, res patcher.HostRunResult) {
	if p == nil {
		return
	}
	p.send("host.result", res)
}

func (p *Publisher) send(name string, v any) {
	subject := p.Subject(name)
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Warn("Failed to encode event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := p.publish(subject, data); err != nil {
		p.log.Warn("Failed to publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// Close flushes pending events and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
