// Package polling provides the shared message polling service. Concurrent
// subscribers to the same (container, message) pair share one poll loop;
// the terminal payload fans out to every subscriber. Loops tear down when
// their last subscriber leaves.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"investigator/pkg/logx"
	"investigator/pkg/remote"
)

// ErrPollAborted is the distinguished outcome of a cancelled poll. It is an
// expected condition, never reported as an investigation failure.
var ErrPollAborted = errors.New("poll aborted")

// MessageFetcher is the slice of the remote client the poller needs.
type MessageFetcher interface {
	MessageByTask(ctx context.Context, containerID, messageID string) (*remote.TaskMessage, error)
}

// Result is the single value delivered to each subscriber: the terminal
// payload, or the error that tore the loop down.
type Result struct {
	Payload string
	Err     error
}

// TickObserver is notified on every poll tick, for metrics.
type TickObserver interface {
	ObservePollTick()
}

// Service multiplexes poll loops by (containerID, messageID).
type Service struct {
	fetcher  MessageFetcher
	interval time.Duration
	observer TickObserver
	logger   *logx.Logger

	mu    sync.Mutex
	loops map[loopKey]*pollLoop
}

type loopKey struct {
	containerID string
	messageID   string
}

type subscriber struct {
	ch   chan Result
	done chan struct{}
}

type pollLoop struct {
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[int]*subscriber
	next int
	done bool
}

// NewService creates a polling service with a fixed tick interval.
func NewService(fetcher MessageFetcher, interval time.Duration) *Service {
	return &Service{
		fetcher:  fetcher,
		interval: interval,
		logger:   logx.NewLogger("polling"),
		loops:    make(map[loopKey]*pollLoop),
	}
}

// SetTickObserver attaches a metrics observer. Not safe to call once
// polling has started.
func (s *Service) SetTickObserver(obs TickObserver) {
	s.observer = obs
}

// Subscribe joins the poll loop for the given message, starting one if none
// is active. The returned channel delivers exactly one Result: the terminal
// payload, the loop failure, or ErrPollAborted when ctx is cancelled first.
func (s *Service) Subscribe(ctx context.Context, containerID, messageID string) <-chan Result {
	key := loopKey{containerID: containerID, messageID: messageID}
	sub := &subscriber{
		ch:   make(chan Result, 1),
		done: make(chan struct{}),
	}

	var loop *pollLoop
	var id int
	for {
		s.mu.Lock()
		existing, ok := s.loops[key]
		if !ok {
			loopCtx, cancel := context.WithCancel(context.Background())
			existing = &pollLoop{
				cancel: cancel,
				subs:   make(map[int]*subscriber),
			}
			s.loops[key] = existing
			go s.run(loopCtx, key, existing)
			s.logger.Debug("started poll loop for %s/%s", containerID, messageID)
		}
		attachedID, attached := existing.attach(sub)
		s.mu.Unlock()
		if attached {
			loop, id = existing, attachedID
			break
		}
		// The loop broadcast its result between lookup and attach; it is
		// being torn down, so retry against a fresh loop.
		s.teardown(key, existing)
	}

	go func() {
		select {
		case <-ctx.Done():
			if loop.detach(id, Result{Err: ErrPollAborted}) == 0 {
				s.teardown(key, loop)
			}
		case <-sub.done:
		}
	}()

	return sub.ch
}

// ActiveLoops reports the number of in-flight poll loops.
func (s *Service) ActiveLoops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

func (s *Service) run(ctx context.Context, key loopKey, loop *pollLoop) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		// Fetch immediately, then on every tick; a message that already
		// completed resolves without waiting out an interval.
		msg, err := s.fetcher.MessageByTask(ctx, key.containerID, key.messageID)
		if s.observer != nil {
			s.observer.ObservePollTick()
		}

		switch {
		case ctx.Err() != nil:
			// Last subscriber left; nothing to deliver.
			s.teardown(key, loop)
			return
		case err != nil:
			s.logger.Error("poll loop for %s/%s failed: %v", key.containerID, key.messageID, err)
			loop.broadcast(Result{Err: fmt.Errorf("polling failed: %w", err)})
			s.teardown(key, loop)
			return
		case msg.State == remote.MessageStateCompleted:
			loop.broadcast(Result{Payload: msg.Response})
			s.teardown(key, loop)
			return
		}

		select {
		case <-ctx.Done():
			s.teardown(key, loop)
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) teardown(key loopKey, loop *pollLoop) {
	loop.cancel()
	s.mu.Lock()
	if s.loops[key] == loop {
		delete(s.loops, key)
	}
	s.mu.Unlock()
}

// attach registers a subscriber. It fails when the loop already broadcast
// its result, in which case the caller must use a fresh loop.
func (l *pollLoop) attach(sub *subscriber) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return 0, false
	}
	id := l.next
	l.next++
	l.subs[id] = sub
	return id, true
}

// detach removes one subscriber, delivering res to it if it had not yet
// received the loop result. Returns the number of remaining subscribers.
func (l *pollLoop) detach(id int, res Result) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub, ok := l.subs[id]
	if ok {
		delete(l.subs, id)
		sub.ch <- res
		close(sub.ch)
		close(sub.done)
	}
	return len(l.subs)
}

// broadcast delivers the loop result to every remaining subscriber.
func (l *pollLoop) broadcast(res Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = true
	for id, sub := range l.subs {
		delete(l.subs, id)
		sub.ch <- res
		close(sub.ch)
		close(sub.done)
	}
}
