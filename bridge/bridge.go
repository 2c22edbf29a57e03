// Package bridge defines the string-only channel between the host and the web view.
//
// The channel moves strings in both directions and nothing else. Each side calls
// Send to post a message and reads the other side's messages from a Subscription:
//
//	host                                   web view
//	Client ──Send──▶ ┌──────────────┐ ──▶ Subscription ──▶ Server
//	Client ◀── Subscription ◀── │    bridge    │ ◀──Send── Server
//	                 └──────────────┘
//
// A bridge may fan inbound messages out to several subscribers, so a Client and a
// Server can share one bridge. Neither of them ever closes it.
package bridge

import "errors"

var (
	// ErrClosed is returned by Send after the bridge was closed.
	ErrClosed = errors.New("bridge: closed")

	// ErrMessageTooLarge is returned by Send for messages over the bridge's ceiling.
	ErrMessageTooLarge = errors.New("bridge: message too large")
)

// Bridge is the platform channel. Send must be safe for concurrent use.
type Bridge interface {
	Send(message string) error
	Subscribe() *Subscription
}
