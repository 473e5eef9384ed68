// Package identity supplies the anonymous identity each session runs under.
// A provider authenticates once per process; the returned user id is stable
// for the process lifetime and is never tied to anything personal.
package identity

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Provider establishes the anonymous identity. Failure is fatal to the
// session that requested it.
type Provider interface {
	Authenticate(ctx context.Context) (string, error)
}

// Anonymous mints a process-local random identity. The id is generated on
// first use and reused for every later call, giving the stable-per-process
// guarantee without any backing service.
type Anonymous struct {
	once sync.Once
	id   string
}

// NewAnonymous creates a local anonymous provider.
func NewAnonymous() *Anonymous {
	return &Anonymous{}
}

func (a *Anonymous) Authenticate(_ context.Context) (string, error) {
	a.once.Do(func() {
		a.id = uuid.New().String()
	})
	return a.id, nil
}

// Static returns a provider that always yields the given id. Used by tests
// and by gateways that assign ids at the connection layer.
type Static string

func (s Static) Authenticate(_ context.Context) (string, error) {
	return string(s), nil
}
