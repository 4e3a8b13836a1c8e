package postgres

import (
	"context"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

// AlertStore persists the email audit trail.
type AlertStore struct {
	db DB
}

// Create inserts a.
func (s *AlertStore) Create(ctx context.Context, a policy.EmailAlert) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO email_alerts (
	id, change_id, subscription_id, sent_at, provider, provider_message_id, status, error_message
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID,
		a.ChangeID,
		a.SubscriptionID,
		a.SentAt,
		a.Provider,
		a.ProviderMessageID,
		string(a.Status),
		a.ErrorMessage,
	)
	return mapErr("insert alert", err)
}

// GetByChangeID returns the alerts for a change in send order.
func (s *AlertStore) GetByChangeID(ctx context.Context, changeID string) ([]policy.EmailAlert, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, change_id, subscription_id, sent_at, provider, provider_message_id, status, error_message
FROM email_alerts WHERE change_id = $1 ORDER BY sent_at, id`, changeID)
	if err != nil {
		return nil, mapErr("list alerts", err)
	}
	defer rows.Close()

	out := []policy.EmailAlert{}
	for rows.Next() {
		var (
			a      policy.EmailAlert
			status string
		)
		if err := rows.Scan(
			&a.ID,
			&a.ChangeID,
			&a.SubscriptionID,
			&a.SentAt,
			&a.Provider,
			&a.ProviderMessageID,
			&status,
			&a.ErrorMessage,
		); err != nil {
			return nil, mapErr("scan alert", err)
		}
		a.Status = policy.AlertStatus(status)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list alerts", err)
	}
	return out, nil
}
