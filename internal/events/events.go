package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/smallbiznis/loyalty/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	SubjectPointsAwarded        = "points.awarded"
	SubjectPointsReversed       = "points.reversed"
	SubjectTierChanged          = "tier.changed"
	SubjectRedemptionCreated    = "redemption.created"
	SubjectRedemptionCancelled  = "redemption.cancelled"
	SubjectOperatorUnresolvedID = "operator.unresolved_user"
)

// Event is the envelope written to the bus.
type Event struct {
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

// Publisher emits domain events after the owning transaction committed.
// Delivery is best effort; the ledger remains the source of truth.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload map[string]any)
}

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)

type Params struct {
	fx.In

	Lc     fx.Lifecycle
	Config config.Config
	Log    *zap.Logger
}

// NewPublisher connects to NATS when NATS_URL is set and otherwise logs events only.
func NewPublisher(p Params) (Publisher, error) {
	log := p.Log.Named("events")
	url := strings.TrimSpace(p.Config.NATS.URL)
	if url == "" {
		log.Info("nats disabled; domain events are logged only")
		return NewLogPublisher(log), nil
	}

	nc, err := nats.Connect(url,
		nats.Name(p.Config.AppName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	p.Lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return nc.Drain()
		},
	})
	return NewNATSPublisher(nc, p.Config.NATS.SubjectPrefix, log), nil
}

type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	log    *zap.Logger
}

func NewNATSPublisher(nc *nats.Conn, prefix string, log *zap.Logger) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "loyalty"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, log: log}
}

func (p *NATSPublisher) Publish(_ context.Context, subject string, payload map[string]any) {
	full := p.prefix + "." + subject
	data, err := json.Marshal(Event{Type: subject, OccurredAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		p.log.Error("encode event", zap.String("subject", full), zap.Error(err))
		return
	}
	if err := p.nc.Publish(full, data); err != nil {
		p.log.Warn("publish event", zap.String("subject", full), zap.Error(err))
	}
}

type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, subject string, payload map[string]any) {
	p.log.Debug("domain event", zap.String("subject", subject), zap.Any("payload", payload))
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, subject string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: subject, OccurredAt: time.Now().UTC(), Payload: payload})
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of subject were published.
func (r *Recorder) Count(subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == subject {
			n++
		}
	}
	return n
}
