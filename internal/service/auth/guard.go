// Package auth centralizes the owner-or-role checks gating every mutating
// squad and ticket command.
package auth

import (
	"context"
	"fmt"
)

// Directory is the role-membership lookup the guard consults.
type Directory interface {
	HasRole(ctx context.Context, memberID, roleID string) (bool, error)
}

// Decision is a pass/fail verdict with a human-readable denial reason.
type Decision struct {
	Allowed bool
	Reason  string
}

// RequireOwner passes only when the requester is the resource owner.
func RequireOwner(requesterID, ownerID string) Decision {
	if requesterID == ownerID {
		return Decision{Allowed: true}
	}
	return Decision{Reason: "only the owner can do this"}
}

// RequireOwnerOrRole passes when the requester is the resource owner or
// holds the given role.
func RequireOwnerOrRole(ctx context.Context, dir Directory, requesterID, ownerID, roleID, roleName string) (Decision, error) {
	if requesterID == ownerID {
		return Decision{Allowed: true}, nil
	}
	held, err := dir.HasRole(ctx, requesterID, roleID)
	if err != nil {
		return Decision{}, fmt.Errorf("role lookup: %w", err)
	}
	if held {
		return Decision{Allowed: true}, nil
	}
	return Decision{Reason: fmt.Sprintf("only the owner or %s can do this", roleName)}, nil
}
