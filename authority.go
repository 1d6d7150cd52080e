package hrflow

import (
	"context"
	"fmt"
	"time"
)

// AuthorityOptions qualify an authority check. A nil LocationID falls back
// to the user's primary location, then to the first active location
// system-wide; if no location can be resolved the check fails closed.
type AuthorityOptions struct {
	LocationID         *uint
	IncludeDescendants bool
}

// Decision is the outcome of an authority check. Authorization failures are
// not errors: callers receive Authorized=false with a reason and decide
// 401/403 at the boundary.
type Decision struct {
	Authorized bool
	Reason     string
}

// maxDelegationDepth bounds delegation chains so a cycle of delegations can
// never recurse unbounded.
const maxDelegationDepth = 5

// Authorize answers whether the user holds the permission effective at the
// resolved location. Role-derived grants and direct grants share one
// evaluation path over PermissionScope rows (role grants are mirrored into
// global scopes); delegations convey the delegator's right and are re-run as
// the delegator. Resolution is deterministic and read-only.
func (s *Service) Authorize(ctx context.Context, userID uint, permission string, opts AuthorityOptions) (Decision, error) {
	if userID == 0 || permission == "" {
		return Decision{}, ErrInvalidInput
	}

	loc, err := s.resolveCheckLocation(ctx, userID, opts.LocationID)
	if err != nil {
		return Decision{Reason: "no location could be resolved for the check"}, nil
	}

	key := s.authorityCacheKey(userID, permission, loc.ID, opts.IncludeDescendants)
	if authorized, hit := s.cachedDecision(ctx, key); hit {
		return Decision{Authorized: authorized, Reason: "cached decision"}, nil
	}

	perm, err := s.GetPermissionByName(ctx, permission)
	if err != nil {
		return Decision{Reason: fmt.Sprintf("unknown permission %q", permission)}, nil
	}

	visited := map[uint]bool{userID: true}
	dec, err := s.authorizeAt(ctx, userID, perm, loc, opts.IncludeDescendants, time.Now(), visited, 0)
	if err != nil {
		return Decision{}, err
	}

	s.cacheDecision(ctx, key, dec.Authorized)
	return dec, nil
}

// authorizeAt evaluates scopes then delegations for one user at one
// location. visited guards against delegation cycles.
func (s *Service) authorizeAt(ctx context.Context, userID uint, perm *Permission, loc *Location, includeDescendants bool, now time.Time, visited map[uint]bool, depth int) (Decision, error) {
	scopes, err := s.effectiveScopes(ctx, userID, perm.ID, now)
	if err != nil {
		return Decision{}, err
	}
	for i := range scopes {
		match, err := s.scopeMatchesLocation(ctx, &scopes[i], loc, includeDescendants)
		if err != nil {
			return Decision{}, err
		}
		if match {
			return Decision{Authorized: true, Reason: scopeReason(&scopes[i])}, nil
		}
	}

	if depth >= maxDelegationDepth {
		return Decision{Reason: "delegation chain too deep"}, nil
	}

	delegations, err := s.activeDelegationsTo(ctx, userID, perm.ID, loc.ID, now)
	if err != nil {
		return Decision{}, err
	}
	for i := range delegations {
		d := &delegations[i]
		if visited[d.DelegatorID] {
			continue
		}
		visited[d.DelegatorID] = true
		// The delegation only conveys a right the delegator still holds.
		dec, err := s.authorizeAt(ctx, d.DelegatorID, perm, loc, includeDescendants, now, visited, depth+1)
		if err != nil {
			return Decision{}, err
		}
		if dec.Authorized {
			return Decision{
				Authorized: true,
				Reason:     fmt.Sprintf("delegated by user %d", d.DelegatorID),
			}, nil
		}
	}

	return Decision{Reason: fmt.Sprintf("no scope or delegation grants %s at location %d", perm.Name, loc.ID)}, nil
}

func (s *Service) scopeMatchesLocation(ctx context.Context, scope *PermissionScope, loc *Location, includeDescendants bool) (bool, error) {
	if scope.IsGlobal {
		return true, nil
	}
	if scope.LocationID == nil {
		return false, nil
	}
	if *scope.LocationID == loc.ID {
		return true, nil
	}

	scopeLoc, err := s.GetLocation(ctx, *scope.LocationID)
	if err != nil {
		return false, nil
	}
	if scope.IncludeDescendants && isDescendantOf(loc, scopeLoc) {
		return true, nil
	}
	if includeDescendants && isDescendantOf(scopeLoc, loc) {
		return true, nil
	}
	return false, nil
}

func scopeReason(scope *PermissionScope) string {
	switch {
	case scope.SourceRoleID != nil:
		return fmt.Sprintf("granted via role %d", *scope.SourceRoleID)
	case scope.IsGlobal:
		return "global direct scope"
	default:
		return fmt.Sprintf("direct scope at location %d", *scope.LocationID)
	}
}

// resolveCheckLocation pins a location before any scope comparison runs:
// the explicit one, the user's primary location, or the first active
// location system-wide, in that order.
func (s *Service) resolveCheckLocation(ctx context.Context, userID uint, locationID *uint) (*Location, error) {
	if locationID != nil {
		return s.GetLocation(ctx, *locationID)
	}

	var emp Employee
	if err := s.db.WithContext(ctx).First(&emp, userID).Error; err == nil && emp.PrimaryLocationID != nil {
		if loc, err := s.GetLocation(ctx, *emp.PrimaryLocationID); err == nil {
			return loc, nil
		}
	}

	return s.firstActiveLocation(ctx)
}
