package orchestrator

import (
	"context"
	"sync"

	"thefolder.dev/internal/provider"
	"thefolder.dev/internal/relay"
)

type fakeProvider struct {
	mu        sync.Mutex
	result    provider.Result
	err       error
	events    []provider.Event
	streamErr error
	block     bool
	calls     int
	last      provider.Request
}

func (f *fakeProvider) Generate(_ context.Context, req provider.Request) (provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	return f.result, f.err
}

func (f *fakeProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	f.mu.Lock()
	f.calls++
	f.last = req
	events, block, err := f.events, f.block, f.streamErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch := make(chan provider.Event)
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if block {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeQuota struct {
	mu        sync.Mutex
	allow     bool
	commitErr error
	checks    []int64
	commits   []int64
}

func (q *fakeQuota) CheckQuota(_ context.Context, _ string, estimate int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checks = append(q.checks, estimate)
	return q.allow
}

func (q *fakeQuota) Commit(_ context.Context, _ string, units int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.commitErr != nil {
		return q.commitErr
	}
	q.commits = append(q.commits, units)
	return nil
}

func (q *fakeQuota) committed() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.commits...)
}

type sink struct {
	deltas      []string
	frames      []relay.Frame
	done        []relay.Summary
	cancelAfter int
	cancel      context.CancelFunc
}

func (s *sink) Delta(text string) error {
	s.deltas = append(s.deltas, text)
	if s.cancelAfter > 0 && len(s.deltas) == s.cancelAfter {
		s.cancel()
	}
	return nil
}

func (s *sink) Fail(f relay.Frame) error   { s.frames = append(s.frames, f); return nil }
func (s *sink) Done(d relay.Summary) error { s.done = append(s.done, d); return nil }
