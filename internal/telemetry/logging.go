package telemetry

import (
	"github.com/rs/zerolog"
)

// LogObserver renders events as structured log lines.
type LogObserver struct {
	logger zerolog.Logger
}

// NewLogObserver creates an observer writing to logger
func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (l *LogObserver) Observe(e Event) {
	var ev *zerolog.Event
	var msg string
	switch e.Kind {
	case EventWorkerStarted:
		ev, msg = l.logger.Info(), "Starting task loop on device"
		if e.Rounds < 0 {
			msg = "Starting task loop on device in infinite loop mode"
		}
		ev = ev.Int("loops", e.Rounds)
	case EventProbe:
		if e.OK {
			ev, msg = l.logger.Info(), "Device connected"
		} else {
			ev, msg = l.logger.Error(), "Device is not connected or adb is not working"
			ev = ev.Str("command", e.Command).Str("diagnostic", e.Diagnostic)
		}
	case EventCommand:
		if e.OK {
			ev, msg = l.logger.Debug(), "adb command"
		} else {
			ev, msg = l.logger.Warn(), "adb command failed"
			ev = ev.Str("diagnostic", e.Diagnostic)
		}
		ev = ev.Str("command", e.Command)
	case EventUnreachable:
		ev, msg = l.logger.Error(), "Device unreachable, stopping its session"
		ev = ev.Str("command", e.Command).Str("diagnostic", e.Diagnostic)
	case EventRoundStarted:
		ev, msg = l.logger.Info(), "Starting loop"
		ev = ev.Int("round", e.Round).Int("rounds", e.Rounds)
	case EventRoundFinished:
		ev, msg = l.logger.Info(), "Completed loop"
		if !e.OK {
			msg = "Loop aborted"
		}
		ev = ev.Int("round", e.Round).Int("rounds", e.Rounds).Int("searches", e.Searches)
	case EventTaskSelected:
		ev, msg = l.logger.Info(), "Selected task"
		ev = ev.Int("round", e.Round).Str("task", e.Task).Str("query", e.Query)
	case EventReading:
		ev, msg = l.logger.Info(), "Simulated reading"
		ev = ev.Int("pass", e.Pass).Float64("read_seconds", e.Duration.Seconds())
	case EventWorkerFinished:
		ev, msg = l.logger.Info(), "Completed all tasks on device"
		ev = ev.Str("status", e.Status).Int("rounds", e.Rounds).Int("searches", e.Searches)
	default:
		ev, msg = l.logger.Debug(), string(e.Kind)
	}
	ev = ev.Str("device", e.Device)
	if e.Alias != "" {
		ev = ev.Str("alias", e.Alias)
	}
	if e.Color != "" {
		ev = ev.Str("color", e.Color)
	}
	ev.Msg(msg)
}
