package model

// SessionState tracks the authenticated browsing session.
type SessionState string

const (
	SessionUnauthenticated SessionState = "unauthenticated"
	SessionAuthenticated   SessionState = "authenticated"
	SessionExpired         SessionState = "expired"
)

// WorkerState is the coarse lifecycle of the single automation worker.
type WorkerState string

const (
	WorkerStopped  WorkerState = "stopped"
	WorkerStarting WorkerState = "starting"
	WorkerRunning  WorkerState = "running"
	WorkerStopping WorkerState = "stopping"
)

// EngineState is the snapshot served to the control surface.
type EngineState struct {
	Worker         WorkerState  `json:"worker"`
	Session        SessionState `json:"session"`
	RunID          string       `json:"runId,omitempty"`
	HasCredentials bool         `json:"hasCredentials"`
	Processed      int          `json:"processed"`
	LastError      string       `json:"lastError,omitempty"`
	StartedAtMs    int64        `json:"startedAtMs,omitempty"`
	LastCycleMs    int64        `json:"lastCycleMs,omitempty"`
}
