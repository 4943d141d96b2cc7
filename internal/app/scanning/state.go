package scanning

// WorkerState is the phase the worker loop is currently in.
type WorkerState int32

const (
	StateIdle WorkerState = iota
	StatePolling
	StateSyncingRules
	StateFetchingArtifact
	StateScanning
	StateSubmitting
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateSyncingRules:
		return "syncing_rules"
	case StateFetchingArtifact:
		return "fetching_artifact"
	case StateScanning:
		return "scanning"
	case StateSubmitting:
		return "submitting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
