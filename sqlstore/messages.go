package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cyberinferno/lpchat/store"
	"github.com/google/uuid"
)

var _ store.MessageStore = (*Messages)(nil)

// Messages implements store.MessageStore. Correlation keys are random UUIDs.
type Messages struct {
	d *DB
}

func (m *Messages) Save(ctx context.Context, msg store.StoredMessage) (string, error) {
	key := uuid.NewString()
	_, err := m.d.db.ExecContext(ctx,
		`INSERT INTO messages (key, kind, sender, recipient, group_name, aux, body, delivered, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key, msg.Kind, msg.Sender, msg.Recipient, msg.Group, msg.Aux, msg.Text, msg.Delivered, m.d.timestamp())
	if err != nil {
		return "", classify(err, "save message")
	}

	return key, nil
}

func (m *Messages) MarkDelivered(ctx context.Context, key string) error {
	res, err := m.d.db.ExecContext(ctx, `UPDATE messages SET delivered = 1 WHERE key = ?`, key)
	return affected(res, err, fmt.Sprintf("message %q", key))
}

func (m *Messages) ResolveSender(ctx context.Context, key string) (string, error) {
	var sender string
	err := m.d.db.QueryRowContext(ctx, `SELECT sender FROM messages WHERE key = ?`, key).Scan(&sender)
	if err != nil {
		return "", classify(err, fmt.Sprintf("message %q", key))
	}

	return sender, nil
}

func (m *Messages) Undelivered(ctx context.Context, recipient string) ([]store.StoredMessage, error) {
	rows, err := m.d.db.QueryContext(ctx,
		`SELECT key, kind, sender, recipient, group_name, aux, body, created_at
		 FROM messages WHERE recipient = ? AND delivered = 0 ORDER BY rowid`, recipient)
	if err != nil {
		return nil, fmt.Errorf("undelivered for %q: %w", recipient, err)
	}
	defer rows.Close()

	var out []store.StoredMessage
	for rows.Next() {
		var (
			sm      store.StoredMessage
			created int64
		)

		if err := rows.Scan(&sm.Key, &sm.Kind, &sm.Sender, &sm.Recipient, &sm.Group, &sm.Aux, &sm.Text, &created); err != nil {
			return nil, fmt.Errorf("undelivered for %q: %w", recipient, err)
		}

		sm.CreatedAt = time.Unix(0, created)
		out = append(out, sm)
	}

	return out, rows.Err()
}
