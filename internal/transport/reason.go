package transport

// CloseReason is the machine-readable reason carried on close frames so the
// application layer can decide whether to reconnect and resubscribe.
type CloseReason string

const (
	CloseReasonClientRequest    CloseReason = "client_request"
	CloseReasonShutdown         CloseReason = "server_shutdown"
	CloseReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	CloseReasonSendFailure      CloseReason = "send_failure"
	CloseReasonLeakSuspected    CloseReason = "leak_suspected"
	CloseReasonShedding         CloseReason = "shedding"
	CloseReasonSuspended        CloseReason = "suspended"
	CloseReasonMigrationAborted CloseReason = "migration_aborted"
)

// Private-range websocket close codes (4000+) per reason. Unknown reasons
// map to 4000.
var closeCodes = map[CloseReason]int{
	CloseReasonClientRequest:    4000,
	CloseReasonShutdown:         4001,
	CloseReasonHeartbeatTimeout: 4002,
	CloseReasonSendFailure:      4003,
	CloseReasonLeakSuspected:    4004,
	CloseReasonShedding:         4005,
	CloseReasonSuspended:        4006,
	CloseReasonMigrationAborted: 4007,
}

// Code returns the websocket close code for the reason.
func (r CloseReason) Code() int {
	if code, ok := closeCodes[r]; ok {
		return code
	}
	return 4000
}

func (r CloseReason) String() string {
	return string(r)
}
