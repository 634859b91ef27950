package core

import (
	"context"
	"math/rand"
	"time"

	"github.com/3cpo-dev/droidfleet/internal/actions"
	"github.com/3cpo-dev/droidfleet/internal/device"
	"github.com/3cpo-dev/droidfleet/internal/telemetry"
	"github.com/3cpo-dev/droidfleet/pkg/api"
)

// ShuffleQueries returns a fresh permutation of queries; the input is not modified.
func ShuffleQueries(rng *rand.Rand, queries []string) []string {
	queue := append([]string(nil), queries...)
	rng.Shuffle(len(queue), func(i, j int) { queue[i], queue[j] = queue[j], queue[i] })
	return queue
}

// PickSite chooses uniformly among the enabled sites.
func PickSite(rng *rand.Rand, sites []actions.Site) actions.Site {
	if len(sites) == 1 {
		return sites[0]
	}
	return sites[rng.Intn(len(sites))]
}

// DrawRounds returns the number of rounds to run, or api.UnboundedRounds for 0/0.
func DrawRounds(rng *rand.Rand, loops LoopConfig) int {
	if loops.Unbounded() {
		return api.UnboundedRounds
	}
	return loops.MinLoops + rng.Intn(loops.MaxLoops-loops.MinLoops+1)
}

// Worker owns one device's session end to end: the probe, the rounds and the
// connection state. Nothing in a Worker is shared with other workers except the
// read-only plan and query list.
type Worker struct {
	device   device.Descriptor
	plan     *Plan
	queries  []string
	channel  device.Channel
	clock    device.Clock
	rng      *rand.Rand
	observer telemetry.Observer
	tracker  *device.Tracker
}

// NewWorker creates the worker for desc.
func NewWorker(desc device.Descriptor, plan *Plan, queries []string, ch device.Channel, clock device.Clock, rng *rand.Rand, observer telemetry.Observer) *Worker {
	if observer == nil {
		observer = telemetry.Discard
	}
	if clock == nil {
		clock = device.RealClock{}
	}
	return &Worker{
		device:   desc,
		plan:     plan,
		queries:  queries,
		channel:  ch,
		clock:    clock,
		rng:      rng,
		observer: observer,
		tracker:  device.NewTracker(desc, plan.UnreachablePatterns, observer),
	}
}

// Run probes the device and runs its rounds until the planned count is
// reached, the device is lost or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) api.DeviceReport {
	report := api.DeviceReport{
		Handle:    w.device.Handle,
		Alias:     w.device.Alias,
		StartedAt: time.Now(),
	}
	defer func() {
		report.FinishedAt = time.Now()
		w.emit(telemetry.Event{
			Kind:     telemetry.EventWorkerFinished,
			Status:   string(report.Status),
			Rounds:   report.Rounds,
			Searches: report.Searches,
		})
	}()

	if !w.tracker.Probe(ctx, w.channel, w.clock) {
		report.Status = api.StatusUnreachable
		if ctx.Err() != nil {
			report.Status = api.StatusCancelled
		}
		return report
	}

	rounds := DrawRounds(w.rng, w.plan.Loops)
	report.PlannedRounds = rounds
	w.emit(telemetry.Event{Kind: telemetry.EventWorkerStarted, Rounds: rounds})

	driver := &actions.Driver{
		Device:   w.device,
		Channel:  w.channel,
		Tracker:  w.tracker,
		Rand:     w.rng,
		Clock:    w.clock,
		Observer: w.observer,
	}
	for round := 1; rounds == api.UnboundedRounds || round <= rounds; round++ {
		if round > 1 {
			if err := w.clock.Sleep(ctx, w.plan.InterLoop.Sample(w.rng)); err != nil {
				break
			}
		}
		searches, err := w.runRound(ctx, driver, round, rounds)
		report.Searches += searches
		if err != nil {
			break
		}
		report.Rounds++
	}

	switch {
	case !w.tracker.Connected():
		report.Status = api.StatusDisconnected
	case ctx.Err() != nil:
		report.Status = api.StatusCancelled
	default:
		report.Status = api.StatusCompleted
	}
	return report
}

// runRound consumes one shuffled copy of the queries. It stops at the first
// query boundary after the device is lost or ctx is cancelled.
func (w *Worker) runRound(ctx context.Context, driver *actions.Driver, round, rounds int) (int, error) {
	queue := ShuffleQueries(w.rng, w.queries)
	w.emit(telemetry.Event{Kind: telemetry.EventRoundStarted, Round: round, Rounds: rounds})

	searches := 0
	var err error
	for _, query := range queue {
		if !w.tracker.Connected() {
			err = actions.ErrDisconnected
			break
		}
		if err = ctx.Err(); err != nil {
			break
		}
		site := PickSite(w.rng, w.plan.Sites)
		w.emit(telemetry.Event{Kind: telemetry.EventTaskSelected, Round: round, Task: string(site.Kind), Query: query})
		if err = driver.SearchTask(ctx, site, query, w.plan.PostSearch); err != nil {
			break
		}
		searches++
		if err = w.clock.Sleep(ctx, w.plan.InterAction.Sample(w.rng)); err != nil {
			break
		}
	}

	w.emit(telemetry.Event{
		Kind:     telemetry.EventRoundFinished,
		Round:    round,
		Rounds:   rounds,
		OK:       err == nil,
		Searches: searches,
	})
	return searches, err
}

func (w *Worker) emit(e telemetry.Event) {
	e.Time = time.Now()
	e.Device = w.device.Handle
	e.Alias = w.device.Alias
	e.Color = w.device.Color
	w.observer.Observe(e)
}
