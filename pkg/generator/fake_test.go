package generator

import (
	"context"
	"errors"
	"sync"
)

// fakeModel returns canned replies in order and records prompts.
type fakeModel struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
}

func (m *fakeModel) Name() string { return "fake" }

func (m *fakeModel) Complete(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return "", m.err
	}
	if len(m.replies) == 0 {
		return "", errors.New("no reply queued")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}
