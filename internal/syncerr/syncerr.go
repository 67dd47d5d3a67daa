// Package syncerr classifies provider and persistence failures so the engines
// can pick a backoff without parsing error strings.
package syncerr

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind string

const (
	CredentialsMissing      Kind = "credentials_missing"
	AuthFailure             Kind = "auth_failure"
	TransientNetwork        Kind = "transient_network"
	UnsupportedProvider     Kind = "unsupported_provider"
	PersistenceWriteFailure Kind = "persistence_write_failure"
)

// OpToken marks failures at an OAuth token endpoint.
const OpToken = "token"

type Error struct {
	Kind     Kind
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Op != "" {
		msg += " (" + e.Op + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, provider, op string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Err: err}
}

func Missing(provider, what string) *Error {
	return New(CredentialsMissing, provider, "", fmt.Errorf("%s missing", what))
}

func Unsupported(provider string) *Error {
	return New(UnsupportedProvider, provider, "", fmt.Errorf("unsupported carrier: %s", provider))
}

func Transient(provider, op string, err error) *Error {
	return New(TransientNetwork, provider, op, err)
}

func Auth(provider, op string, err error) *Error {
	return New(AuthFailure, provider, op, err)
}

func Persistence(op string, err error) *Error {
	return New(PersistenceWriteFailure, "", op, err)
}

// KindOf returns the classified kind; anything unclassified counts as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return TransientNetwork
}

// OpOf returns the failed operation, or "" for unclassified errors.
func OpOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Op
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a non-2xx provider response to a kind.
func HTTPStatus(provider, op string, status int, body string) *Error {
	err := fmt.Errorf("http %d: %s", status, body)
	if status == 401 || status == 403 {
		return Auth(provider, op, err)
	}
	return Transient(provider, op, err)
}
