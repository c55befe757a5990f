// Package protocol defines the telephony control-plane schema: invocation
// events received from the call-handling platform and the action lists
// returned to it.
package protocol
