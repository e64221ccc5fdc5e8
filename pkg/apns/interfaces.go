package apns

import "context"

// Signer produces a signature over the given bytes. It fails when the key is
// unavailable or unusable.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(data []byte) ([]byte, error)

func (f SignerFunc) Sign(data []byte) ([]byte, error) { return f(data) }

// TokenSource hands out the current provider credential, refreshing it when due.
type TokenSource interface {
	CurrentToken(ctx context.Context) (Credential, error)
}

// Invalidator is implemented by token sources that can drop a credential the
// gateway reported as expired.
type Invalidator interface {
	Invalidate(stale Credential)
}

// Sender delivers one notification and waits for the gateway's verdict.
type Sender interface {
	Send(ctx context.Context, req *NotificationRequest) (*Response, error)
}
