package dispatch

import (
	"context"
	"sync"

	"github.com/tinywideclouds/go-apns-gateway/pkg/apns"
)

// Pending is the completion handle of one send. It resolves exactly once.
type Pending struct {
	done chan struct{}
	once sync.Once
	resp *apns.Response
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Done is closed once the send resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result blocks until the send resolved and returns its outcome.
func (p *Pending) Result() (*apns.Response, error) {
	<-p.done
	return p.resp, p.err
}

// Wait is Result bounded by ctx. Giving up here does not cancel the send; the
// context passed to SendAsync does that.
func (p *Pending) Wait(ctx context.Context) (*apns.Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) resolve(resp *apns.Response, err error) {
	p.once.Do(func() {
		p.resp, p.err = resp, err
		close(p.done)
	})
}
