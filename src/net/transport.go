package net

// Transport provides an interface for network transports to allow a node to
// communicate with other nodes. Targets are peer URLs from the cluster
// configuration.
type Transport interface {

	// Listen starts the transport listening.
	Listen()

	// Consumer returns a channel that can be used to consume and respond to
	// inbound messages.
	Consumer() <-chan RPC

	// LocalAddr is used to return our local address.
	LocalAddr() string

	// Send delivers a one-way message to the target node.
	Send(target string, msg Message) error

	// Request delivers a command to the target node and waits for its reply.
	Request(target string, msg Message) (Message, error)

	// Close permanently closes the transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}
