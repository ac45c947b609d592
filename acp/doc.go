// Package acp implements the agent-side protocol contract: the wire types of
// the Agent Client Protocol, the Conn interface the session bridge drives,
// and a stdio subprocess implementation of that interface.
//
// The bridge owns one Conn per session. Outbound calls (initialize,
// session/new, session/prompt) block until the agent responds; inbound
// traffic (session/update notifications, permission and question requests)
// is delivered to the Handler installed at dial time.
package acp
