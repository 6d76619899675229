// Package actor identifies who is calling the engine. Identity is
// established upstream; the engine only sees an id and a role.
package actor

import (
	"context"
	"errors"
)

var ErrInvalidRole = errors.New("role must be customer, store or admin")

// Role is the capacity in which an actor calls the engine.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleStore    Role = "store"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system" // background jobs
)

// Valid reports whether r may be presented by a caller. RoleSystem is
// reserved for in-process jobs.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleStore, RoleAdmin:
		return true
	}
	return false
}

// Actor is an authenticated caller.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// System is the actor used by the sweeper and other background jobs.
var System = Actor{ID: "system", Role: RoleSystem}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Privileged is true for admins and background jobs.
func (a Actor) Privileged() bool { return a.Role == RoleAdmin || a.Role == RoleSystem }

type ctxKey struct{}

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// From returns the actor stored in ctx.
func From(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok
}
