package agent

import "time"

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
}

// ExecRequest asks the agent to run one adb command. An empty Handle issues a
// global command.
type ExecRequest struct {
	Handle  string `json:"handle"`
	Command string `json:"command"`
	Timeout int    `json:"timeout_seconds"`
}

type ExecResponse struct {
	OK       bool   `json:"ok"`
	Output   string `json:"output"`
	Duration int64  `json:"duration_ms"`
}
