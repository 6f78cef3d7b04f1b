package connection

// Peer is the transport's handle for a connected remote endpoint.
type Peer interface {
	// ID returns the transport-assigned connection id.
	ID() uint64

	// Connected reports whether the transport link is still up.
	Connected() bool

	// Disconnect closes the transport link.
	Disconnect() error

	// Send transmits one packet.
	Send(packet []byte) error
}
