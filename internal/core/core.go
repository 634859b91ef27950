package core

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/droidfleet/internal/device"
	"github.com/3cpo-dev/droidfleet/internal/telemetry"
	"github.com/3cpo-dev/droidfleet/pkg/api"
)

// Orchestrator runs one independent worker per device.
type Orchestrator struct {
	plan     *Plan
	queries  []string
	channel  device.Channel
	observer telemetry.Observer
	clock    device.Clock
	seed     func(device int) int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver sets the event sink shared by every worker.
func WithObserver(o telemetry.Observer) Option {
	return func(orc *Orchestrator) { orc.observer = o }
}

// WithClock replaces the real clock, typically in tests.
func WithClock(c device.Clock) Option {
	return func(orc *Orchestrator) { orc.clock = c }
}

// WithSeed makes each worker's random source deterministic.
func WithSeed(seed func(device int) int64) Option {
	return func(orc *Orchestrator) { orc.seed = seed }
}

// NewOrchestrator validates the configuration and query list. Any problem is
// reported here, before a single worker exists.
func NewOrchestrator(cfg *Config, queries []string, ch device.Channel, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, ValidationError{Field: "config", Message: "configuration is required"}
	}
	if ch == nil {
		return nil, errors.New("device channel is required")
	}
	plan, err := cfg.Plan()
	if err != nil {
		return nil, err
	}
	if err := ValidateQueries(queries); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		plan:     plan,
		queries:  append([]string(nil), queries...),
		channel:  ch,
		observer: telemetry.Discard,
		clock:    device.RealClock{},
		seed:     entropySeed,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Plan returns the resolved plan.
func (o *Orchestrator) Plan() *Plan { return o.plan }

// Run starts every worker and waits for all of them. Reports are returned in
// device order. Cancelling ctx stops every worker at its next suspension point.
func (o *Orchestrator) Run(ctx context.Context) ([]api.DeviceReport, error) {
	reports := make([]api.DeviceReport, len(o.plan.Devices))
	var g errgroup.Group
	for i, desc := range o.plan.Devices {
		i := i
		w := NewWorker(
			desc,
			o.plan,
			o.queries,
			device.Throttle(o.channel, o.plan.CommandsPerSecond),
			o.clock,
			rand.New(rand.NewSource(o.seed(i))),
			o.observer,
		)
		g.Go(func() error {
			reports[i] = w.Run(ctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}

func entropySeed(int) int64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}
