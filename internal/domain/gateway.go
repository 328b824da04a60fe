package domain

import "context"

// ChatGateway is the chat-platform surface the pipeline depends on.
type ChatGateway interface {
	// BotUser returns the identity the gateway is authenticated as.
	BotUser() User
	// ListChannels returns the channels the bot is a member of.
	ListChannels(ctx context.Context) ([]Channel, error)
	// PostsSince returns posts created at or after since (milliseconds).
	// Ordering is unspecified; callers must normalize to oldest-first.
	PostsSince(ctx context.Context, channelID string, since int64) ([]Post, error)
	GetUser(ctx context.Context, userID string) (User, error)
	CreatePost(ctx context.Context, channelID, message string) error
}
