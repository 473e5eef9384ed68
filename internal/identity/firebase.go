package identity

import (
	"context"
	"fmt"
	"sync"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
)

// Firebase provisions an anonymous Firebase Auth user on first
// authentication and reuses its UID for the rest of the process, mirroring
// the anonymous sign-in flow of the hosted deployment.
type Firebase struct {
	client *auth.Client

	mu  sync.Mutex
	uid string
}

// NewFirebase builds a provider from a Firebase app.
func NewFirebase(ctx context.Context, app *firebase.App) (*Firebase, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: firebase auth client: %w", err)
	}
	return &Firebase{client: client}, nil
}

func (f *Firebase) Authenticate(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uid != "" {
		return f.uid, nil
	}
	user, err := f.client.CreateUser(ctx, &auth.UserToCreate{})
	if err != nil {
		return "", fmt.Errorf("identity: anonymous sign-in: %w", err)
	}
	f.uid = user.UID
	return f.uid, nil
}
