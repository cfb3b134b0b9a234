// Package identity implements the identity provider collaborator: account
// creation, credential and federated sign-in, sign-out, and change
// notifications.
package identity

import (
	"context"
	"errors"
	"net"
	"sync"

	"storyforge/pkg/domain"
)

// Provider error codes.
const (
	CodeInvalidEmail        = "invalid-email"
	CodeWeakPassword        = "weak-password"
	CodeEmailInUse          = "email-already-in-use"
	CodeInvalidCredential   = "invalid-credential"
	CodeUserNotFound        = "user-not-found"
	CodeTooManyRequests     = "too-many-requests"
	CodeNetwork             = "network-request-failed"
	CodeUnauthorizedDomain  = "unauthorized-domain"
	CodePopupBlocked        = "popup-blocked"
	CodePopupClosed         = "popup-closed-by-user"
	CodeOperationNotAllowed = "operation-not-allowed"
	CodeNotSignedIn         = "no-current-user"
	CodeInternal            = "internal-error"
)

// Error is a failure reported by a provider.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return "identity: " + e.Code + ": " + e.Err.Error()
	}
	return "identity: " + e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the provider code of err. Transport failures report
// CodeNetwork; anything else unknown reports "".
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ierr *Error
	if errors.As(err, &ierr) {
		return ierr.Code
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CodeNetwork
	}
	return ""
}

// Provider is the identity provider used by the session manager.
type Provider interface {
	CreateAccount(ctx context.Context, email, password string) (domain.Identity, error)
	SignIn(ctx context.Context, email, password string) (domain.Identity, error)
	// SignInFederated runs the interactive flow of a named provider, e.g. "google".
	SignInFederated(ctx context.Context, provider string) (domain.Identity, error)
	SignOut(ctx context.Context) error
	// IDToken returns a bearer token for the signed-in identity.
	IDToken(ctx context.Context) (string, error)
	// Watch calls fn with the current identity (nil when signed out) and again
	// after every change, until stop is called. fn must not call back into
	// methods that change the identity.
	Watch(fn func(*domain.Identity)) (stop func())
}

// Notifier stores the current identity and broadcasts changes in order.
type Notifier struct {
	dispatch  sync.Mutex
	mu        sync.Mutex
	current   *domain.Identity
	listeners map[int]func(*domain.Identity)
	next      int
}

func (n *Notifier) Current() *domain.Identity {
	n.mu.Lock()
	defer n.mu.Unlock()
	return copyIdentity(n.current)
}

// Set replaces the current identity and notifies every listener.
func (n *Notifier) Set(ident *domain.Identity) {
	n.dispatch.Lock()
	defer n.dispatch.Unlock()
	n.mu.Lock()
	n.current = copyIdentity(ident)
	fns := make([]func(*domain.Identity), 0, len(n.listeners))
	for i := 0; i < n.next; i++ {
		if fn, ok := n.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(copyIdentity(ident))
	}
}

func (n *Notifier) Watch(fn func(*domain.Identity)) func() {
	n.dispatch.Lock()
	defer n.dispatch.Unlock()
	n.mu.Lock()
	if n.listeners == nil {
		n.listeners = make(map[int]func(*domain.Identity))
	}
	id := n.next
	n.next++
	n.listeners[id] = fn
	current := copyIdentity(n.current)
	n.mu.Unlock()
	fn(current)
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

func copyIdentity(ident *domain.Identity) *domain.Identity {
	if ident == nil {
		return nil
	}
	cp := *ident
	return &cp
}
