package server

import (
	"sync/atomic"
	"time"

	"github.com/koltyakov/tunnel/internal/tunnelproto"
)

type result struct {
	resp tunnelproto.Response
	err  error
}

// pendingRequest is a one-shot slot completed by exactly one of: the
// matching response, the deadline timer, or the disconnect sweep.
type pendingRequest struct {
	id        string
	subdomain string
	sentAt    time.Time
	timer     *time.Timer
	claimed   atomic.Bool
	done      chan result
}

func newPendingRequest(id, subdomain string, now time.Time) *pendingRequest {
	return &pendingRequest{
		id:        id,
		subdomain: subdomain,
		sentAt:    now,
		done:      make(chan result, 1),
	}
}

// complete delivers r unless another path already has. Late callers get
// false and change nothing.
func (p *pendingRequest) complete(r result) bool {
	if !p.claimed.CompareAndSwap(false, true) {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- r
	return true
}
