package termgate

const (
	// MetricActiveConnections counts currently open terminal websockets
	MetricActiveConnections = "termgate_active_connections"

	// MetricConnectionsTotal counts terminal websockets accepted since start
	MetricConnectionsTotal = "termgate_connections_total"

	// MetricAuthFailuresTotal counts rejected authentication attempts
	MetricAuthFailuresTotal = "termgate_auth_failures_total"

	// MetricSessionsCreatedTotal counts multiplexer sessions created by
	// the gateway
	MetricSessionsCreatedTotal = "termgate_sessions_created_total"

	// MetricTerminalBytesTotal counts terminal output bytes sent to
	// clients
	MetricTerminalBytesTotal = "termgate_terminal_sent_bytes_total"

	// MetricStreamBytesTotal counts file stream bytes sent to clients
	MetricStreamBytesTotal = "termgate_stream_sent_bytes_total"

	// MetricSessionsReapedTotal counts stale sessions killed by the
	// reaper
	MetricSessionsReapedTotal = "termgate_sessions_reaped_total"
)
