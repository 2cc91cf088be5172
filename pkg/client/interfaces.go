package client

import (
	"github.com/aeolun/linechat/pkg/protocol"
)

// ConnectionInterface defines what a presentation layer needs from an
// authenticated connection. The real Connection implements all these methods;
// tests substitute a fake.
type ConnectionInterface interface {
	// Connection management
	Disconnect()
	IsConnected() bool
	GetAddress() string
	Identity() string

	// Message sending
	SendBroadcast(text string) error
	SendDirected(to, text string) error
	RequestDirectoryListing() error

	// Channels for receiving data
	Incoming() <-chan protocol.Message
	Errors() <-chan error
}

var _ ConnectionInterface = (*Connection)(nil)
