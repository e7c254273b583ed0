package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ChannelCommits is the LISTEN/NOTIFY channel on which every created commit is announced.
const ChannelCommits = "kiroku_commits"

// CommitEvent is the payload sent on ChannelCommits.
type CommitEvent struct {
	OrgID      uuid.UUID `json:"org_id"`
	CommitID   uuid.UUID `json:"commit_id"`
	BranchName string    `json:"branch"`
}

// ParseCommitEvent decodes a ChannelCommits payload.
func ParseCommitEvent(payload string) (CommitEvent, error) {
	var ev CommitEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return CommitEvent{}, fmt.Errorf("storage: decode commit event: %w", err)
	}
	if ev.OrgID == uuid.Nil || ev.CommitID == uuid.Nil {
		return CommitEvent{}, fmt.Errorf("storage: commit event missing org_id or commit_id")
	}
	return ev, nil
}

// Listen starts listening on the specified channel using the dedicated notify connection.
// Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
// Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// notify queues a notification on q. Inside a transaction the notification is
// delivered only if the transaction commits.
func notify(ctx context.Context, q querier, channel string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("storage: marshal %s payload: %w", channel, err)
	}
	if _, err := q.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(b)); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
