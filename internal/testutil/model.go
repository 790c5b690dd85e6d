package testutil

import (
	"context"
	"sync"

	"github.com/nhle/mailtriage/internal/llm"
)

// FakeModel is an llm.Model that answers from a script. Reply is consulted
// first; otherwise Replies are returned in order and the last one repeats.
type FakeModel struct {
	mu sync.Mutex

	Reply   func(req llm.Request) (string, error)
	Replies []string
	Err     error

	Requests []llm.Request
}

func (f *FakeModel) Complete(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Requests = append(f.Requests, req)
	if f.Reply != nil {
		return f.Reply(req)
	}
	if f.Err != nil {
		return "", f.Err
	}
	if len(f.Replies) == 0 {
		return "", nil
	}
	i := len(f.Requests) - 1
	if i >= len(f.Replies) {
		i = len(f.Replies) - 1
	}
	return f.Replies[i], nil
}

// Calls returns how many requests with the given purpose were made.
func (f *FakeModel) Calls(purpose string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, r := range f.Requests {
		if r.Purpose == purpose {
			n++
		}
	}
	return n
}
