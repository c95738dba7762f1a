package rbac

import (
	"fmt"

	"github.com/estatehub/estatehub/internal/platform/httpx"
)

var (
	// ErrInvalidScope is returned when a scope tuple breaks the hierarchy.
	ErrInvalidScope = fmt.Errorf("rbac: invalid scope: %w", httpx.ErrValidation)
	// ErrInvalidGrant rejects triples outside the closed matrix vocabulary.
	ErrInvalidGrant = fmt.Errorf("rbac: invalid grant: %w", httpx.ErrValidation)
	// ErrUnknownRole marks a binding or request naming a role that does not exist.
	ErrUnknownRole = fmt.Errorf("rbac: unknown role: %w", httpx.ErrNotFound)
	// ErrUnknownBinding marks a reference to a missing or inactive binding.
	ErrUnknownBinding = fmt.Errorf("rbac: unknown binding: %w", httpx.ErrNotFound)
	// ErrUnknownOverride marks a reference to a missing override.
	ErrUnknownOverride = fmt.Errorf("rbac: unknown override: %w", httpx.ErrNotFound)
	// ErrForbidden is returned by gated mutations when the caller may not act.
	ErrForbidden = fmt.Errorf("rbac: %w", httpx.ErrForbidden)
	// ErrEmergencyDuration rejects emergency grants without a usable lifetime.
	ErrEmergencyDuration = fmt.Errorf("rbac: emergency duration out of range: %w", httpx.ErrValidation)
	// errDuplicateBinding signals a lost race on the active-binding unique index.
	errDuplicateBinding = fmt.Errorf("rbac: duplicate active binding: %w", httpx.ErrDuplicate)
)
