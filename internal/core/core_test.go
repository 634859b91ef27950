package core_test

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3cpo-dev/droidfleet/internal/core"
	"github.com/3cpo-dev/droidfleet/internal/device"
	"github.com/3cpo-dev/droidfleet/internal/device/devicetest"
	"github.com/3cpo-dev/droidfleet/internal/telemetry"
	"github.com/3cpo-dev/droidfleet/pkg/api"
)

func twoDeviceConfig() *core.Config {
	return &core.Config{
		Devices: []core.DeviceConfig{
			{ID: "emulator-5554", Alias: "left", Color: "cyan"},
			{ID: "emulator-5556", Alias: "right", Color: "magenta"},
		},
		Tasks: core.TaskToggles{"wikipedia_search": true},
		Loops: core.LoopConfig{MinLoops: 1, MaxLoops: 1},
	}
}

func seeds(i int) int64 { return int64(100 + i) }

func TestOrchestratorTwoDevices(t *testing.T) {
	defer goleak.VerifyNone(t)

	ch := &devicetest.Channel{}
	rec := &telemetry.Recorder{}
	queries := []string{"solar eclipse", "sourdough starter"}
	orc, err := core.NewOrchestrator(twoDeviceConfig(), queries, ch,
		core.WithObserver(rec), core.WithClock(&devicetest.Clock{}), core.WithSeed(seeds))
	require.NoError(t, err)
	require.Len(t, orc.Plan().Devices, 2)
	require.Equal(t, "left", orc.Plan().Devices[0].Alias)

	reports, err := orc.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)

	for i, handle := range []string{"emulator-5554", "emulator-5556"} {
		r := reports[i]
		require.Equal(t, handle, r.Handle)
		require.Equal(t, api.StatusCompleted, r.Status)
		require.Equal(t, 1, r.Rounds)
		require.Equal(t, 2, r.Searches)

		require.Len(t, rec.Filter(handle, telemetry.EventRoundStarted), 1)
		var picked []string
		for _, e := range rec.Filter(handle, telemetry.EventTaskSelected) {
			require.Equal(t, "wikipedia_search", e.Task)
			picked = append(picked, e.Query)
		}
		sort.Strings(picked)
		require.Equal(t, queries, picked)
		require.Empty(t, rec.Filter(handle, telemetry.EventUnreachable))

		for _, call := range ch.Calls(handle) {
			require.Equal(t, handle, call.Handle)
		}
	}
}

func TestOrchestratorDeviceIsolation(t *testing.T) {
	defer goleak.VerifyNone(t)

	ch := &devicetest.Channel{Respond: func(handle string, n int, cmd string) device.Result {
		if handle == "emulator-5556" && n >= 4 {
			return devicetest.Offline()
		}
		return devicetest.Succeed(cmd)
	}}
	rec := &telemetry.Recorder{}
	orc, err := core.NewOrchestrator(twoDeviceConfig(), []string{"q one", "q two"}, ch,
		core.WithObserver(rec), core.WithClock(&devicetest.Clock{}), core.WithSeed(seeds))
	require.NoError(t, err)

	reports, err := orc.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, api.StatusCompleted, reports[0].Status)
	require.Equal(t, 2, reports[0].Searches)
	require.Equal(t, api.StatusDisconnected, reports[1].Status)
	require.Len(t, ch.Calls("emulator-5556"), 4)
	require.Len(t, rec.Filter("emulator-5556", telemetry.EventUnreachable), 1)
	require.Empty(t, rec.Filter("emulator-5554", telemetry.EventUnreachable))
}

func TestOrchestratorRejectsInvalidConfig(t *testing.T) {
	ch := &devicetest.Channel{}

	cfg := twoDeviceConfig()
	cfg.Loops = core.LoopConfig{MinLoops: 4, MaxLoops: 2}
	_, err := core.NewOrchestrator(cfg, []string{"q"}, ch)
	require.ErrorIs(t, err, core.ErrInvalidConfig)

	_, err = core.NewOrchestrator(twoDeviceConfig(), nil, ch)
	require.ErrorIs(t, err, core.ErrInvalidConfig)

	_, err = core.NewOrchestrator(twoDeviceConfig(), []string{"ok", " "}, ch)
	require.ErrorIs(t, err, core.ErrInvalidConfig)

	require.Empty(t, ch.Calls(""), "no device may be contacted before validation passes")
}

func TestOrchestratorCancelledBeforeStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := &devicetest.Channel{}
	cfg := twoDeviceConfig()
	cfg.Loops = core.LoopConfig{}
	orc, err := core.NewOrchestrator(cfg, []string{"q"}, ch, core.WithClock(&devicetest.Clock{}))
	require.NoError(t, err)

	reports, err := orc.Run(ctx)
	require.NoError(t, err)
	for _, r := range reports {
		require.Equal(t, api.StatusCancelled, r.Status)
		require.Zero(t, r.Searches)
	}
	for _, cmd := range ch.Commands("") {
		require.True(t, strings.HasPrefix(cmd, device.GetState()), "only the probe may run, got %q", cmd)
	}
}
