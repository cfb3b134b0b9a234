package session

import (
	"errors"

	"storyforge/pkg/identity"
)

// Kind classifies an identity provider failure.
type Kind string

const (
	KindInvalidEmail        Kind = "invalid-email"
	KindWeakPassword        Kind = "weak-password"
	KindEmailInUse          Kind = "email-in-use"
	KindInvalidCredential   Kind = "invalid-credential"
	KindUserNotFound        Kind = "user-not-found"
	KindTooManyRequests     Kind = "too-many-requests"
	KindNetwork             Kind = "network"
	KindUnauthorizedDomain  Kind = "unauthorized-domain"
	KindPopupBlocked        Kind = "popup-blocked"
	KindPopupClosed         Kind = "popup-closed-by-user"
	KindOperationNotAllowed Kind = "operation-not-allowed"
	KindUnknown             Kind = "unknown"
)

var kindMessages = map[Kind]string{
	KindInvalidEmail:        "Please enter a valid email address.",
	KindWeakPassword:        "Password should be at least 6 characters.",
	KindEmailInUse:          "An account with this email already exists.",
	KindInvalidCredential:   "Incorrect email or password.",
	KindUserNotFound:        "No account found with this email.",
	KindTooManyRequests:     "Too many sign-in attempts. Please try again in a few minutes.",
	KindNetwork:             "Network error during sign in. Please try again.",
	KindUnauthorizedDomain:  "This domain is not authorized for Google sign-in. Add it in the identity provider's authorized domains.",
	KindOperationNotAllowed: "Google sign-in is not enabled for this project.",
	KindPopupBlocked:        "Google sign-in popup was blocked by your browser.",
	KindPopupClosed:         "Google sign-in popup was closed before completion.",
}

var codeKinds = map[string]Kind{
	identity.CodeInvalidEmail:        KindInvalidEmail,
	identity.CodeWeakPassword:        KindWeakPassword,
	identity.CodeEmailInUse:          KindEmailInUse,
	identity.CodeInvalidCredential:   KindInvalidCredential,
	identity.CodeUserNotFound:        KindUserNotFound,
	identity.CodeTooManyRequests:     KindTooManyRequests,
	identity.CodeNetwork:             KindNetwork,
	identity.CodeUnauthorizedDomain:  KindUnauthorizedDomain,
	identity.CodePopupBlocked:        KindPopupBlocked,
	identity.CodePopupClosed:         KindPopupClosed,
	identity.CodeOperationNotAllowed: KindOperationNotAllowed,
}

// AuthError is an identity provider failure with a message fit for the user.
// The provider error stays reachable through errors.As.
type AuthError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Transient reports failures that resolve on their own.
func (e *AuthError) Transient() bool {
	return e.Kind == KindNetwork
}

// NewAuthError classifies err. fallback is the message for unknown failures
// that carry no text of their own.
func NewAuthError(err error, fallback string) *AuthError {
	var aerr *AuthError
	if errors.As(err, &aerr) {
		return aerr
	}
	kind, ok := codeKinds[identity.CodeOf(err)]
	if !ok {
		kind = KindUnknown
	}
	msg := kindMessages[kind]
	if kind == KindUnknown {
		msg = fallback
		var ierr *identity.Error
		if errors.As(err, &ierr) {
			if ierr.Message != "" {
				msg = ierr.Message
			}
		} else if err != nil && err.Error() != "" {
			msg = err.Error()
		}
	}
	return &AuthError{Kind: kind, Message: msg, Err: err}
}
