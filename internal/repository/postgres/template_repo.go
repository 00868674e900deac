package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/wardline/notify/internal/domain/notification"
)

var _ notification.TemplateRenderer = (*TemplateRepoImpl)(nil)

type TemplateRepoImpl struct{ db *DB }

func NewTemplateRepo(db *DB) *TemplateRepoImpl { return &TemplateRepoImpl{db: db} }

const qTemplateGet = `
SELECT subject, body
FROM notification_templates
WHERE name = $1 AND channel = $2;
`

// Render loads the (name, channel) template and substitutes {{key}} markers.
// Missing templates surface ErrNotFound; the caller falls back to the raw
// notification title and body.
func (r *TemplateRepoImpl) Render(ctx context.Context, name string, channel notification.Channel, vars map[string]string) (string, string, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var subject, body string
	err := r.db.Pool.QueryRow(ctx, qTemplateGet, name, channel).Scan(&subject, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("query template: %w", err)
	}

	for k, v := range vars {
		marker := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, marker, v)
		body = strings.ReplaceAll(body, marker, v)
	}
	return subject, body, nil
}
