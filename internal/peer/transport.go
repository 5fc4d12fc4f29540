// internal/peer/transport.go
package peer

import "context"

// Conn is one reliable, ordered message channel to the remote peer. Reads
// block until a frame arrives, the context is canceled, or the channel fails.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Restarter is implemented by transports that can renegotiate connectivity in
// place (an ICE restart on a datachannel) without dropping the logical
// session.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Dialer establishes a Conn to a remote target. The target is the opaque
// remote identifier yielded by the signaling layer.
type Dialer interface {
	Dial(ctx context.Context, target string) (Conn, error)
}
