package pgnotify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/leasing-cdc/internal/infrastructure/txn"
)

// MaxPayloadBytes is the largest payload postgres accepts for NOTIFY.
const MaxPayloadBytes = 7999

// Notify sends payload, JSON encoded, on channel through ex. When ex is a
// transaction the notification is only delivered if it commits.
func Notify(ctx context.Context, ex txn.Execer, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", channel, err)
	}
	if len(raw) > MaxPayloadBytes {
		return fmt.Errorf("%s payload is %d bytes, limit is %d", channel, len(raw), MaxPayloadBytes)
	}
	if _, err := ex.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(raw)); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}
