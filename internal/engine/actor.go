package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/synergy-network/synergy-node/internal/consensus"
	"github.com/synergy-network/synergy-node/internal/transport"
)

// ErrActorStopped is returned when an operation reaches a cluster actor that
// has been shut down.
var ErrActorStopped = errors.New("cluster actor stopped")

// actor owns one consensus instance. Every operation on the instance runs on
// the actor goroutine; outbound messages are handed to a separate sender
// goroutine so that the actor never waits on the network.
type actor struct {
	clusterID string
	members   []string
	inst      *consensus.Instance
	logger    *slog.Logger

	ops   chan func()
	sends chan *transport.Envelope

	stopOnce sync.Once
	quit     chan struct{}
	wg       sync.WaitGroup
}

func newActor(clusterID string, inst *consensus.Instance, outboxSize int, logger *slog.Logger) *actor {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	return &actor{
		clusterID: clusterID,
		members:   inst.Members(),
		inst:      inst,
		logger:    logger.With("cluster_id", clusterID),
		ops:       make(chan func()),
		sends:     make(chan *transport.Envelope, outboxSize),
		quit:      make(chan struct{}),
	}
}

// start launches the actor and sender goroutines. send is called for every
// outbound envelope; failures are its concern.
func (a *actor) start(ctx context.Context, send func(context.Context, []string, *transport.Envelope)) {
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case fn := <-a.ops:
				fn()
			case <-a.quit:
				return
			}
		}
	}()
	go func() {
		defer a.wg.Done()
		for {
			select {
			case env := <-a.sends:
				send(ctx, a.members, env)
			case <-a.quit:
				return
			}
		}
	}()
}

// stop terminates both goroutines and waits for them. Queued outbound
// envelopes are discarded.
func (a *actor) stop() {
	a.stopOnce.Do(func() { close(a.quit) })
	a.wg.Wait()
}

// do runs fn on the actor goroutine and waits for it to return.
func (a *actor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case a.ops <- op:
	case <-a.quit:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue seals and queues outbound messages. It must only be called on the
// actor goroutine. A full outbox drops the message; the protocol recovers
// through its timers.
func (a *actor) enqueue(msgs []consensus.Message, sealedAt func(consensus.Message) (*transport.Envelope, error)) int {
	dropped := 0
	for _, m := range msgs {
		env, err := sealedAt(m)
		if err != nil {
			a.logger.Error("failed to seal outbound message", "kind", m.Kind().String(), "error", err)
			dropped++
			continue
		}
		select {
		case a.sends <- env:
		default:
			dropped++
			a.logger.Warn("outbox full, dropping message", "kind", m.Kind().String())
		}
	}
	return dropped
}
