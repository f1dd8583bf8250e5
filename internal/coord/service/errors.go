// Package service contains the coordination domain logic: identity
// lifecycle, mail, chat, reservations, contacts and the unified
// conversation view. Handlers translate its typed errors to HTTP.
package service

// ErrValidation — the request is well-formed JSON but semantically invalid.
type ErrValidation struct{ Msg string }

func (e *ErrValidation) Error() string { return e.Msg }

// ErrBadRequest — the request asks for something unsupported.
type ErrBadRequest struct{ Msg string }

func (e *ErrBadRequest) Error() string { return e.Msg }

// ErrNotFound — the resource is absent in the caller's tenant scope. Also
// used for cross-tenant references so existence never leaks.
type ErrNotFound struct{ Msg string }

func (e *ErrNotFound) Error() string { return e.Msg }

// ErrForbidden — the actor is authenticated but not allowed this operation.
type ErrForbidden struct{ Msg string }

func (e *ErrForbidden) Error() string { return e.Msg }

// ErrConflict — the operation lost a first-wins race or would violate
// uniqueness. Extras carries holder details for reservation conflicts.
type ErrConflict struct {
	Msg    string
	Extras map[string]any
}

func (e *ErrConflict) Error() string { return e.Msg }

// ErrGone — the addressed agent is retired. SuccessorAlias, when set, tells
// the caller where to redirect.
type ErrGone struct {
	Msg            string
	SuccessorAlias string
}

func (e *ErrGone) Error() string { return e.Msg }

// ErrUnauthorized — missing or invalid credentials.
type ErrUnauthorized struct{ Msg string }

func (e *ErrUnauthorized) Error() string { return e.Msg }
