package store

import (
	"context"
	"fmt"
)

// UpsertUser registers uid on first sight and bumps last_auth on every
// later call. Registration is idempotent so the authentication path can
// call it unconditionally.
func (s *PostgresStore) UpsertUser(ctx context.Context, uid string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO user_info (uid)
		VALUES ($1)
		ON CONFLICT (uid) DO UPDATE
		SET last_auth = timezone('UTC', CURRENT_TIMESTAMP)
		RETURNING uid, tstamp, last_auth
	`, uid).Scan(&user.UID, &user.Tstamp, &user.LastAuth)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", translateError(err))
	}
	return user, nil
}
