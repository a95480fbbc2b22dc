// Package core contains the shared primitives of the agentflow framework:
// role-based content parts, the trace event stream, the terminal error
// taxonomy and the per-run admission controls (model call budget and token
// bucket throttle). Higher-level packages (agent, tool, workflow) depend on
// core and never the other way around.
package core
