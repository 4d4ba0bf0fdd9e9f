package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"quizroom/internal/auth"
)

// Verify resolves a connect-time token against the auth_sessions table,
// which the external identity provider maintains. Satisfies auth.Verifier.
func (d *DB) Verify(ctx context.Context, token string) (auth.Identity, error) {
	var id auth.Identity
	err := d.conn.QueryRowContext(ctx, `
		SELECT user_id, display_name, avatar
		FROM auth_sessions
		WHERE token = $1 AND (expires_at IS NULL OR expires_at > now())
	`, token).Scan(&id.UserID, &id.DisplayName, &id.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Identity{}, auth.ErrAuthenticationRequired
	}
	if err != nil {
		return auth.Identity{}, fmt.Errorf("verifying token: %w", err)
	}
	return id, nil
}
