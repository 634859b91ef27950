// Package actions composes device commands into human-paced browsing steps.
package actions

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/3cpo-dev/droidfleet/internal/device"
	"github.com/3cpo-dev/droidfleet/internal/telemetry"
)

// ErrDisconnected aborts an action sequence once the device is lost.
var ErrDisconnected = errors.New("device disconnected")

// Fixed pacing of the action library.
var (
	ResultsDelay = Range{Min: 5 * time.Second, Max: 10 * time.Second}
	TabDelay     = Range{Min: 500 * time.Millisecond, Max: time.Second}
	ReadDelay    = Range{Min: 15 * time.Second, Max: 25 * time.Second}
)

// ScrollIterations is the number of swipe-and-read passes per page.
const ScrollIterations = 3

// postSearchSpread widens the configured post-search base delay.
const postSearchSpread = 2 * time.Second

// Range is an inclusive delay range sampled uniformly.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Sample draws a duration uniformly from the range.
func (r Range) Sample(rng *rand.Rand) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	span := int64(r.Max - r.Min)
	if span < 0 || span == math.MaxInt64 {
		return r.Min + time.Duration(rng.Int63())
	}
	return r.Min + time.Duration(rng.Int63n(span+1))
}

// PostSearch returns base..base+2s.
func PostSearch(base time.Duration) Range {
	return Range{Min: base, Max: base + postSearchSpread}
}

// Driver issues actions against one device. It belongs to that device's
// worker and is not safe for concurrent use.
type Driver struct {
	Device   device.Descriptor
	Channel  device.Channel
	Tracker  *device.Tracker
	Rand     *rand.Rand
	Clock    device.Clock
	Observer telemetry.Observer
}

// exec sends one command unless the device is already lost. Transient
// failures are recorded and swallowed; losing the device returns
// ErrDisconnected so the remaining steps are skipped.
func (d *Driver) exec(ctx context.Context, command string) error {
	if !d.Tracker.Connected() {
		return ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	res := d.Channel.Execute(ctx, d.Device.Handle, command)
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.Tracker.Record(command, res) == device.Disconnected {
		return ErrDisconnected
	}
	return nil
}

func (d *Driver) observe(e telemetry.Event) {
	if d.Observer != nil {
		d.Observer.Observe(e)
	}
}

func (d *Driver) pause(ctx context.Context, r Range) error {
	return d.Clock.Sleep(ctx, r.Sample(d.Rand))
}

// OpenTarget opens the site and waits for it to load.
func (d *Driver) OpenTarget(ctx context.Context, site Site) error {
	if err := d.exec(ctx, device.ViewURL(site.URL)); err != nil {
		return err
	}
	return d.pause(ctx, site.Load)
}

// FocusSearch tabs through the page until the search field has focus.
func (d *Driver) FocusSearch(ctx context.Context, tabs int) error {
	for i := 0; i < tabs; i++ {
		if err := d.exec(ctx, device.KeyEvent(device.KeyTab)); err != nil {
			return err
		}
		if err := d.pause(ctx, TabDelay); err != nil {
			return err
		}
	}
	return nil
}

// TypeQuery types the query word by word, submits it and waits for results.
func (d *Driver) TypeQuery(ctx context.Context, query string) error {
	for _, word := range strings.Fields(query) {
		if err := d.exec(ctx, device.TypeText(word)); err != nil {
			return err
		}
		if err := d.exec(ctx, device.TypeSpace()); err != nil {
			return err
		}
	}
	if err := d.exec(ctx, device.KeyEvent(device.KeyEnter)); err != nil {
		return err
	}
	return d.pause(ctx, ResultsDelay)
}

// ScrollAndRead swipes down and reads, ScrollIterations times.
func (d *Driver) ScrollAndRead(ctx context.Context) error {
	for i := 0; i < ScrollIterations; i++ {
		if err := d.exec(ctx, device.ScrollDown()); err != nil {
			return err
		}
		read := ReadDelay.Sample(d.Rand)
		d.observe(telemetry.Event{
			Kind:     telemetry.EventReading,
			Time:     time.Now(),
			Device:   d.Device.Handle,
			Alias:    d.Device.Alias,
			Color:    d.Device.Color,
			Pass:     i + 1,
			Duration: read,
		})
		if err := d.Clock.Sleep(ctx, read); err != nil {
			return err
		}
	}
	return nil
}

// SearchTask runs one full search on site: open, focus, type, settle, read.
func (d *Driver) SearchTask(ctx context.Context, site Site, query string, postSearch Range) error {
	if err := d.OpenTarget(ctx, site); err != nil {
		return err
	}
	if err := d.FocusSearch(ctx, site.FocusTabs); err != nil {
		return err
	}
	if err := d.TypeQuery(ctx, query); err != nil {
		return err
	}
	if err := d.pause(ctx, postSearch); err != nil {
		return err
	}
	return d.ScrollAndRead(ctx)
}
