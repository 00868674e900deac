package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wardline/notify/internal/domain/notification"
)

var _ notification.Directory = (*DirectoryRepoImpl)(nil)

// DirectoryRepoImpl resolves contact addresses from the users replica table.
type DirectoryRepoImpl struct{ db *DB }

func NewDirectoryRepo(db *DB) *DirectoryRepoImpl { return &DirectoryRepoImpl{db: db} }

const (
	qDirEmail = `SELECT COALESCE(email, '') FROM users WHERE id = $1;`
	qDirPhone = `SELECT COALESCE(phone, '') FROM users WHERE id = $1;`
)

func (r *DirectoryRepoImpl) Email(ctx context.Context, userID string) (string, error) {
	return r.lookup(ctx, qDirEmail, userID)
}

func (r *DirectoryRepoImpl) Phone(ctx context.Context, userID string) (string, error) {
	return r.lookup(ctx, qDirPhone, userID)
}

func (r *DirectoryRepoImpl) lookup(ctx context.Context, query, userID string) (string, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var out string
	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query user contact: %w", err)
	}
	return out, nil
}
