// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package messaging

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/hub-service-connector/holder"
	"github.com/apex/log"
	mapset "github.com/deckarep/golang-set/v2"
)

// receiveLink is the part of an AMQP receiver the clients use.
// *amqp.Receiver implements it.
type receiveLink interface {
	Receive(ctx context.Context, opts *amqp.ReceiveOptions) (*amqp.Message, error)
	AcceptMessage(ctx context.Context, msg *amqp.Message) error
	ReleaseMessage(ctx context.Context, msg *amqp.Message) error
	IssueCredit(credit uint32) error
	Close(ctx context.Context) error
}

// LockToken derives the caller-facing settlement token from a delivery tag.
// The token maps unambiguously back to the exact tag observed at receive
// time.
func LockToken(deliveryTag []byte) string {
	return hex.EncodeToString(deliveryTag)
}

// receiver is the shared core of the feedback and file-notification clients:
// one receiving link, pull-based or prefetching, with explicit settlement by
// lock token.
type receiver struct {
	ctx         log.Interface
	link        *holder.Holder[receiveLink]
	contentType string
	prefetch    int32

	mu         sync.Mutex
	pending    map[string]*amqp.Message
	pendingOn  receiveLink
	creditedOn receiveLink

	// lost holds tokens whose deliveries died with a faulted or closed
	// link, to tell that apart from a plain unknown token on settlement
	lost mapset.Set[string]
}

func newReceiver(factory holder.Factory[receiveLink], contentType string, prefetch int32, ctx log.Interface) *receiver {
	return &receiver{
		ctx: ctx,
		link: holder.New(factory, func(ctx context.Context, link receiveLink) {
			link.Close(ctx)
		}),
		contentType: contentType,
		prefetch:    prefetch,
		pending:     make(map[string]*amqp.Message),
		lost:        mapset.NewSet[string](),
	}
}

// receive waits for the next message within the caller's budget. It returns
// (nil, "", nil) when the budget elapses with no message available: that is
// the common empty case, not an error.
func (r *receiver) receive(ctx context.Context) (*amqp.Message, string, error) {
	link, err := r.link.GetOrCreate(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if r.prefetch == 0 {
		// pull mode: at most one credit outstanding. A credit issued for
		// a timed-out receive is still consumed by the next delivery, so
		// it must not be issued again.
		r.mu.Lock()
		credited := r.creditedOn == link
		r.mu.Unlock()
		if !credited {
			if err := link.IssueCredit(1); err != nil {
				r.invalidate(link, err)
				return nil, "", &TransientError{Op: "issue credit", Err: err}
			}
			r.mu.Lock()
			r.creditedOn = link
			r.mu.Unlock()
		}
	}
	msg, err := link.Receive(ctx, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, "", nil
		}
		r.invalidate(link, err)
		receivesTotal.WithLabelValues("error").Inc()
		return nil, "", &TransientError{Op: "receive", Err: err}
	}
	r.mu.Lock()
	if r.creditedOn == link {
		// the delivery consumed the outstanding pull credit
		r.creditedOn = nil
	}
	r.mu.Unlock()

	contentType := ""
	if msg.Properties != nil && msg.Properties.ContentType != nil {
		contentType = *msg.Properties.ContentType
	}
	if contentType != r.contentType {
		// not ours to consume: release for redelivery, then refuse
		link.ReleaseMessage(ctx, msg)
		receivesTotal.WithLabelValues("violation").Inc()
		return nil, "", &ProtocolViolationError{Expected: r.contentType, Got: contentType}
	}

	lockToken := LockToken(msg.DeliveryTag)
	r.mu.Lock()
	r.pending[lockToken] = msg
	r.pendingOn = link
	r.mu.Unlock()
	receivesTotal.WithLabelValues("ok").Inc()
	return msg, lockToken, nil
}

// settle completes (accept) or abandons (release) a previously received
// message. Settlement uses the exact message observed at receive time; only
// its delivery tag is valid with the broker.
func (r *receiver) settle(ctx context.Context, lockToken string, accept bool) error {
	r.mu.Lock()
	msg, ok := r.pending[lockToken]
	link := r.pendingOn
	if ok {
		delete(r.pending, lockToken)
	}
	r.mu.Unlock()
	if !ok || link == nil {
		if r.lost.Contains(lockToken) {
			r.lost.Remove(lockToken)
			return &LockLostError{LockToken: lockToken, Reason: "the delivery was lost with its link"}
		}
		return &LockLostError{LockToken: lockToken}
	}

	var err error
	if accept {
		err = link.AcceptMessage(ctx, msg)
	} else {
		err = link.ReleaseMessage(ctx, msg)
	}
	if err != nil {
		r.invalidate(link, err)
		return classifySettle(lockToken, err)
	}
	return nil
}

// invalidate evicts the link after a fault so the next call reattaches. Any
// unsettled deliveries die with the link; their lock tokens are lost.
func (r *receiver) invalidate(link receiveLink, err error) {
	if !isLinkFault(err) {
		return
	}
	r.link.InvalidateResource(link)
	r.mu.Lock()
	if r.creditedOn == link {
		r.creditedOn = nil
	}
	if r.pendingOn == link {
		for lockToken := range r.pending {
			delete(r.pending, lockToken)
			r.lost.Add(lockToken)
		}
		r.pendingOn = nil
	}
	r.mu.Unlock()
}

func (r *receiver) close(ctx context.Context) {
	r.link.Close(ctx)
	r.mu.Lock()
	for lockToken := range r.pending {
		delete(r.pending, lockToken)
		r.lost.Add(lockToken)
	}
	r.pendingOn = nil
	r.creditedOn = nil
	r.mu.Unlock()
}
