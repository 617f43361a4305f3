// Package streamtest provides an in-memory stream transport for tests.
package streamtest

import (
	"context"
	"strings"
	"sync"
)

// Transport records subscribe and unsubscribe frames.
type Transport struct {
	mu           sync.Mutex
	active       map[string]int
	subscribes   [][]string
	unsubscribes [][]string

	// FailSubscribe, when set, is returned by Subscribe.
	FailSubscribe error
	// FailUnsubscribe, when set, is returned by Unsubscribe.
	FailUnsubscribe error
}

// New constructs a recording transport.
func New() *Transport {
	return &Transport{active: make(map[string]int)}
}

func (t *Transport) Subscribe(_ context.Context, streams []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailSubscribe != nil {
		return t.FailSubscribe
	}
	t.subscribes = append(t.subscribes, append([]string(nil), streams...))
	for _, s := range streams {
		t.active[s]++
	}
	return nil
}

func (t *Transport) Unsubscribe(_ context.Context, streams []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsubscribes = append(t.unsubscribes, append([]string(nil), streams...))
	for _, s := range streams {
		delete(t.active, s)
	}
	return t.FailUnsubscribe
}

// SubscribeCount returns how many times stream was subscribed upstream.
func (t *Transport) SubscribeCount(stream string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, frame := range t.subscribes {
		for _, s := range frame {
			if s == stream {
				n++
			}
		}
	}
	return n
}

// Active reports whether stream is currently subscribed.
func (t *Transport) Active(stream string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[stream]
	return ok
}

// ActiveMatching returns active streams containing substr.
func (t *Transport) ActiveMatching(substr string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for s := range t.active {
		if strings.Contains(s, substr) {
			out = append(out, s)
		}
	}
	return out
}

// Unsubscribed returns every stream named in an unsubscribe frame.
func (t *Transport) Unsubscribed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, frame := range t.unsubscribes {
		out = append(out, frame...)
	}
	return out
}
