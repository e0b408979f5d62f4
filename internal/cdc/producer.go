package cdc

import (
	"context"
	"log"
	"sync"

	"github.com/nanodb/core/internal/kv"
)

// Producer fans a single internal/kv.Writer post-commit event stream out
// to every downstream consumer (the catalog's CDC listener, the flow
// scheduler) by name, so each can be added, removed, and inspected
// independently instead of sharing one raw channel. Grounded on the
// teacher's internal/storage/concurrency.go fan-out pattern (bounded
// per-consumer channel, log-and-continue on a full queue rather than
// blocking the publisher).
type Producer struct {
	mu        sync.RWMutex
	listeners map[string]chan kv.CommitEvent
	logger    *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProducer subscribes to writer's post-commit events and begins
// fanning them out immediately.
func NewProducer(writer *kv.Writer, logger *log.Logger) *Producer {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Producer{
		listeners: make(map[string]chan kv.CommitEvent),
		logger:    logger,
		cancel:    cancel,
	}
	source := writer.Subscribe(256)
	p.wg.Add(1)
	go p.pump(ctx, source)
	return p
}

func (p *Producer) pump(ctx context.Context, source <-chan kv.CommitEvent) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-source:
			if !ok {
				return
			}
			p.fanOut(evt)
		}
	}
}

func (p *Producer) fanOut(evt kv.CommitEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for name, ch := range p.listeners {
		select {
		case ch <- evt:
		default:
			p.logger.Printf("cdc: listener %q is falling behind, dropping a commit event at version %d", name, evt.Version)
		}
	}
}

// Listen registers name for commit events, replacing any prior listener
// of the same name. The returned channel is closed when Unlisten(name)
// or Close is called.
func (p *Producer) Listen(name string, buffer int) <-chan kv.CommitEvent {
	if buffer <= 0 {
		buffer = 64
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.listeners[name]; ok {
		close(old)
	}
	ch := make(chan kv.CommitEvent, buffer)
	p.listeners[name] = ch
	return ch
}

// Unlisten removes and closes name's channel.
func (p *Producer) Unlisten(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.listeners[name]; ok {
		close(ch)
		delete(p.listeners, name)
	}
}

// Close stops the fan-out pump and closes every registered listener.
func (p *Producer) Close() {
	p.cancel()
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, ch := range p.listeners {
		close(ch)
		delete(p.listeners, name)
	}
}
