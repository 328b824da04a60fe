// Package ingest polls channels on a fixed cadence and feeds qualifying
// posts into the work queue.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"matterbot/internal/cursor"
	"matterbot/internal/domain"
	"matterbot/internal/metrics"
	"matterbot/internal/queue"
)

const DefaultInterval = time.Second

// Poller is the ingestion loop. Each cycle it scans every channel the bot
// belongs to, filters the posts fetched since the channel's poll watermark,
// and enqueues survivors oldest-first so replies go out in arrival order.
type Poller struct {
	gw       domain.ChatGateway
	queue    *queue.Queue
	poll     *cursor.Map
	dedup    *cursor.Map
	boot     int64
	interval time.Duration
	logger   *slog.Logger
	stats    *metrics.Pipeline
}

type Config struct {
	Gateway  domain.ChatGateway
	Queue    *queue.Queue
	Poll     *cursor.Map
	Dedup    *cursor.Map
	BootTime int64 // milliseconds; posts older than this are never enqueued
	Interval time.Duration
	Logger   *slog.Logger
	Stats    *metrics.Pipeline
}

func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Stats == nil {
		cfg.Stats = metrics.NewPipeline()
	}
	return &Poller{
		gw:       cfg.Gateway,
		queue:    cfg.Queue,
		poll:     cfg.Poll,
		dedup:    cfg.Dedup,
		boot:     cfg.BootTime,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		stats:    cfg.Stats,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.cycle(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping")
			return
		case <-ticker.C:
		}
	}
}

// cycle runs one poll pass over every channel. A failure on one channel
// never aborts the others.
func (p *Poller) cycle(ctx context.Context) {
	channels, err := p.gw.ListChannels(ctx)
	if err != nil {
		p.logger.Warn("list channels failed", "err", err)
		return
	}

	for _, ch := range channels {
		if err := p.pollChannel(ctx, ch); err != nil {
			p.logger.Warn("poll failed", "channel", ch.ID, "err", err)
		}
		// Advanced even on error, so a bad window is never re-fetched
		// forever. A post the backend delivers late, stamped inside the
		// skipped window, is silently missed; accepted race.
		p.poll.Put(ch.ID, time.Now().UnixMilli())
	}
}

func (p *Poller) pollChannel(ctx context.Context, ch domain.Channel) error {
	since := p.poll.Get(ch.ID, p.boot)
	posts, err := p.gw.PostsSince(ctx, ch.ID, since)
	if err != nil {
		return fmt.Errorf("fetch posts: %w", err)
	}
	p.stats.PostsPolled.Add(int64(len(posts)))

	// The gateway may return newest-first; normalize so enqueue order
	// matches arrival order within the channel.
	sort.SliceStable(posts, func(i, j int) bool { return posts[i].CreateAt < posts[j].CreateAt })

	bot := p.gw.BotUser()
	for _, post := range posts {
		if post.UserID == bot.ID {
			continue
		}
		if post.CreateAt < p.boot {
			p.logger.Debug("skipping pre-boot post", "channel", ch.ID, "post", post.ID)
			continue
		}
		// Timestamp comparison, not post-ID: two distinct posts sharing a
		// create_at are indistinguishable here and only one survives.
		if post.CreateAt <= p.dedup.Get(ch.ID, 0) {
			p.logger.Debug("skipping already handled post", "channel", ch.ID, "post", post.ID)
			continue
		}
		if !ch.IsDirect() && !mentioned(post.Message, bot.Username) {
			p.logger.Debug("bot not mentioned, skipping", "channel", ch.ID, "post", post.ID)
			continue
		}

		sender := post.UserID
		if u, err := p.gw.GetUser(ctx, post.UserID); err == nil {
			sender = u.Username
		}
		p.logger.Info("new message",
			"channel", channelLabel(ch),
			"from", sender,
			"text_len", len(post.Message),
		)

		p.queue.Push(domain.Event{
			ChannelID: ch.ID,
			UserID:    post.UserID,
			Text:      post.Message,
			CreateAt:  post.CreateAt,
		})
		p.stats.EventsEnqueued.Inc()
	}
	return nil
}

// mentioned reports whether the message addresses the bot by handle.
func mentioned(message, handle string) bool {
	return strings.Contains(message, "@"+handle)
}

func channelLabel(ch domain.Channel) string {
	if ch.DisplayName == "" {
		return "DM"
	}
	return ch.DisplayName
}
