package domain

import (
	"context"
	"time"
)

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is one entry of the rolling conversation log.
type ConversationTurn struct {
	ID        int64     `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Channel   string    `json:"channel"`
	Transport Transport `json:"transport,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnLog is the append-only conversation log. Recent returns the last n
// turns of a channel, oldest first.
type TurnLog interface {
	AppendTurn(ctx context.Context, turn ConversationTurn) error
	RecentTurns(ctx context.Context, channel string, n int) ([]ConversationTurn, error)
}
