package termgate

const (
	// ProductName is the name of this gateway, used as the first part of
	// every multiplexer session name and as the CLI binary name
	ProductName = "termgate"

	// Component indicates a component of termgate, used for logging
	Component = "component"

	// ComponentWeb is the websocket gateway and REST API server
	ComponentWeb = "termgate:web"

	// ComponentTerm is the PTY channel attached to a multiplexer session
	ComponentTerm = "termgate:term"

	// ComponentTmux is the adapter driving the tmux binary
	ComponentTmux = "termgate:tmux"

	// ComponentAuth is token verification and connection throttling
	ComponentAuth = "termgate:auth"

	// ComponentBackend is the embedded key/value store
	ComponentBackend = "termgate:backend"

	// ComponentService is the process supervisor
	ComponentService = "termgate:service"

	// ComponentReaper is the stale session reaper
	ComponentReaper = "termgate:reaper"

	// DebugEnvVar tells tests to use verbose debug output
	DebugEnvVar = "TERMGATE_DEBUG"
)

const (
	// Version is the semantic version of the gateway, reported by
	// "termgate version" and the health endpoint
	Version = "1.2.0"
)
