package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/dispatch-engine/internal/dispatch"
)

const insertNotification = `
INSERT INTO notifications (
id,
tenant_id,
message_key,
channel,
recipient_json,
content_json,
template_id,
status,
created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (tenant_id, message_key) DO NOTHING
RETURNING id, tenant_id, message_key, channel, recipient_json, content_json, template_id, status, created_at
`

const selectNotification = `
SELECT id, tenant_id, message_key, channel, recipient_json, content_json, template_id, status, created_at
FROM notifications
WHERE tenant_id = $1 AND message_key = $2
`

var ErrNotConfigured = errors.New("postgres repository requires a non-nil pool")

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) (*PostgresRepository, error) {
	if pool == nil {
		return nil, ErrNotConfigured
	}
	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) CreateNotification(ctx context.Context, n Notification) (Notification, bool, error) {
	recipient, err := json.Marshal(n.Recipient)
	if err != nil {
		return Notification{}, false, err
	}
	content, err := json.Marshal(n.Content)
	if err != nil {
		return Notification{}, false, err
	}

	row := r.pool.QueryRow(ctx, insertNotification,
		n.ID,
		n.TenantID,
		n.MessageKey,
		string(n.Channel),
		recipient,
		content,
		n.TemplateID,
		n.Status,
		n.CreatedAt,
	)

	inserted := true
	saved, err := scanNotification(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Notification{}, false, fmt.Errorf("insert notification: %w", err)
		}
		inserted = false
		saved, err = scanNotification(r.pool.QueryRow(ctx, selectNotification, n.TenantID, n.MessageKey))
		if err != nil {
			return Notification{}, false, fmt.Errorf("fetch existing notification: %w", err)
		}
	}
	return saved, !inserted, nil
}

func scanNotification(row pgx.Row) (Notification, error) {
	var (
		n             Notification
		channel       string
		recipientJSON []byte
		contentJSON   []byte
		createdAt     time.Time
	)
	if err := row.Scan(&n.ID, &n.TenantID, &n.MessageKey, &channel, &recipientJSON, &contentJSON, &n.TemplateID, &n.Status, &createdAt); err != nil {
		return Notification{}, err
	}
	n.Channel = dispatch.Channel(channel)
	n.CreatedAt = createdAt
	if err := json.Unmarshal(recipientJSON, &n.Recipient); err != nil {
		return Notification{}, err
	}
	if err := json.Unmarshal(contentJSON, &n.Content); err != nil {
		return Notification{}, err
	}
	return n, nil
}
