package bus

import (
	"context"
	"sync"

	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

// InMemPublisher records published envelopes in memory. It is used in
// tests and in single-process development mode where the full bus is
// not available.
type InMemPublisher struct {
	mu        sync.Mutex
	published []pipeline.Envelope
	subs      []chan pipeline.Envelope
	failWith  error
}

// NewInMemPublisher returns an empty in-memory publisher.
func NewInMemPublisher() *InMemPublisher {
	return &InMemPublisher{}
}

// Publish appends the envelope and fans it out to subscribers.
func (p *InMemPublisher) Publish(ctx context.Context, env pipeline.Envelope) error {
	if err := env.Validate(); err != nil {
		return pipeline.Permanent("invalid envelope: %v", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.published = append(p.published, env)
	for _, ch := range p.subs {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}

// Published returns a copy of every envelope published so far.
func (p *InMemPublisher) Published() []pipeline.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pipeline.Envelope, len(p.published))
	copy(out, p.published)
	return out
}

// Subscribe returns a buffered channel receiving future envelopes.
func (p *InMemPublisher) Subscribe() <-chan pipeline.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan pipeline.Envelope, 64)
	p.subs = append(p.subs, ch)
	return ch
}

// FailWith makes subsequent publishes return err; nil restores success.
func (p *InMemPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}
