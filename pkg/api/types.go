package api

import "time"

// v0 contains public types shared by the CLI, the store and monitoring.

// DeviceStatus is the lifecycle state of one device's worker.
type DeviceStatus string

const (
	StatusPending      DeviceStatus = "pending"
	StatusRunning      DeviceStatus = "running"
	StatusCompleted    DeviceStatus = "completed"
	StatusDisconnected DeviceStatus = "aborted_disconnect"
	StatusUnreachable  DeviceStatus = "skipped_unreachable"
	StatusCancelled    DeviceStatus = "cancelled"
)

// Final reports whether the status is terminal.
func (s DeviceStatus) Final() bool {
	switch s {
	case StatusCompleted, StatusDisconnected, StatusUnreachable, StatusCancelled:
		return true
	}
	return false
}

// UnboundedRounds marks a worker configured to run until disconnected.
const UnboundedRounds = -1

// DeviceReport is what a worker hands back to the orchestrator when it exits.
type DeviceReport struct {
	Handle        string       `json:"handle" yaml:"handle"`
	Alias         string       `json:"alias" yaml:"alias"`
	Status        DeviceStatus `json:"status" yaml:"status"`
	PlannedRounds int          `json:"planned_rounds" yaml:"planned_rounds"`
	Rounds        int          `json:"rounds" yaml:"rounds"`
	Searches      int          `json:"searches" yaml:"searches"`
	StartedAt     time.Time    `json:"started_at" yaml:"started_at"`
	FinishedAt    time.Time    `json:"finished_at" yaml:"finished_at"`
}
