// Package media implements the client side of the call-control plane:
// speak, capture and hangup actions posted as fire-and-forget commands,
// correlated to their completion events by task handle.
package media
