package app

// StopReason is logged when the daemon shuts down.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSignal       StopReason = "signal"
	StopFatalError   StopReason = "fatal_error"
	StopAppStop      StopReason = "app_stop"
	StopConfigReload StopReason = "config_reload"
)
