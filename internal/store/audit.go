package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"fulfillment-service/internal/models"
)

type customerRepo struct {
	db sqlx.ExtContext
}

func (r *customerRepo) GetByID(ctx context.Context, id int64) (*models.Customer, error) {
	var c models.Customer
	if err := sqlx.GetContext(ctx, r.db, &c, "SELECT * FROM customers WHERE id = $1", id); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

type auditRepo struct {
	db sqlx.ExtContext
}

// Append inserts an immutable history row
func (r *auditRepo) Append(ctx context.Context, event *models.AuditEvent) error {
	event.Payload = jsonOrEmpty(event.Payload)

	query := `
		INSERT INTO audit_events (
			entity_kind, entity_id, action, from_status, to_status,
			actor_kind, actor_id, session_id, note, payload)
		VALUES (
			:entity_kind, :entity_id, :action, :from_status, :to_status,
			:actor_kind, :actor_id, :session_id, :note, :payload)
		RETURNING id, created_at`

	return insertReturning(ctx, r.db, query, event, &event.ID, &event.CreatedAt)
}

func (r *auditRepo) List(ctx context.Context, kind models.EntityKind, entityID int64) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := sqlx.SelectContext(ctx, r.db, &events,
		"SELECT * FROM audit_events WHERE entity_kind = $1 AND entity_id = $2 ORDER BY id", kind, entityID)
	return events, err
}

// MarkProcessed marks a message as processed
func (r *auditRepo) MarkProcessed(ctx context.Context, messageID, kind string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO processed_messages (message_id, kind) VALUES ($1, $2) ON CONFLICT (message_id) DO NOTHING",
		messageID, kind)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
