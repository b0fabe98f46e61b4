package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"dmarcwatch/db"
	"dmarcwatch/models"
)

// ScopeResolver answers which domains and groups an actor may query. It
// reads the assignment tables owned by the user/domain management layer.
type ScopeResolver struct {
	db *db.DB
}

func NewScopeResolver(conn *db.DB) *ScopeResolver {
	return &ScopeResolver{db: conn}
}

// Resolve returns the actor's scope. Unknown actors and empty identities
// get an empty scope; background jobs must ask for models.ElevatedScope
// explicitly instead of relying on a session.
func (r *ScopeResolver) Resolve(ctx context.Context, actorID string) (models.AccessScope, error) {
	if actorID == models.SystemActor {
		return models.ElevatedScope(), nil
	}
	if actorID == "" {
		return models.RestrictedScope(nil, nil), nil
	}
	user, err := r.user(ctx, actorID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RestrictedScope(nil, nil), nil
	}
	if err != nil {
		return models.AccessScope{}, err
	}
	return r.scopeFor(ctx, user)
}

// ResolveOwner is Resolve for a rule owner. A missing owner is an error
// rather than an empty scope, so the rule is skipped instead of being
// evaluated against no data.
func (r *ScopeResolver) ResolveOwner(ctx context.Context, ownerID string) (models.AccessScope, error) {
	if ownerID == models.SystemActor {
		return models.ElevatedScope(), nil
	}
	user, err := r.user(ctx, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AccessScope{}, fmt.Errorf("%w: %s", ErrOwnerNotFound, ownerID)
	}
	if err != nil {
		return models.AccessScope{}, err
	}
	return r.scopeFor(ctx, user)
}

func (r *ScopeResolver) user(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := r.db.QueryRowContext(ctx, r.db.Dialect.Rebind(`SELECT id, email, role FROM users WHERE id = ?`), id).
		Scan(&u.ID, &u.Email, &u.Role)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return u, fmt.Errorf("load user %s: %w", id, err)
	}
	return u, err
}

func (r *ScopeResolver) scopeFor(ctx context.Context, u models.User) (models.AccessScope, error) {
	if u.Role == models.RoleAdmin {
		return models.ElevatedScope(), nil
	}
	domains, err := r.strings(ctx, `
		SELECT ud.domain FROM user_domains ud WHERE ud.user_id = ?
		UNION
		SELECT dg.domain FROM domain_groups dg
		JOIN user_groups ug ON ug.group_id = dg.group_id
		WHERE ug.user_id = ?`, u.ID, u.ID)
	if err != nil {
		return models.AccessScope{}, fmt.Errorf("load domains for %s: %w", u.ID, err)
	}
	groups, err := r.strings(ctx, `SELECT group_id FROM user_groups WHERE user_id = ?`, u.ID)
	if err != nil {
		return models.AccessScope{}, fmt.Errorf("load groups for %s: %w", u.ID, err)
	}
	return models.RestrictedScope(domains, groups), nil
}

func (r *ScopeResolver) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
