// Package worker consumes queued events, runs inference, and posts replies.
package worker

import (
	"context"
	"log/slog"
	"time"

	"matterbot/internal/convo"
	"matterbot/internal/cursor"
	"matterbot/internal/domain"
	"matterbot/internal/history"
	"matterbot/internal/metrics"
	"matterbot/internal/queue"
)

// Worker is the single queue consumer. Keep it single: conversation context
// is keyed per user and replies within a channel must stay in arrival order.
type Worker struct {
	gw       domain.ChatGateway
	llm      domain.InferenceClient
	queue    *queue.Queue
	contexts *convo.Store
	dedup    *cursor.Map
	history  *history.Store // optional transcript; may be nil
	logger   *slog.Logger
	stats    *metrics.Pipeline
}

type Config struct {
	Gateway  domain.ChatGateway
	LLM      domain.InferenceClient
	Queue    *queue.Queue
	Contexts *convo.Store
	Dedup    *cursor.Map
	History  *history.Store
	Logger   *slog.Logger
	Stats    *metrics.Pipeline
}

func New(cfg Config) *Worker {
	if cfg.Stats == nil {
		cfg.Stats = metrics.NewPipeline()
	}
	return &Worker{
		gw:       cfg.Gateway,
		llm:      cfg.LLM,
		queue:    cfg.Queue,
		contexts: cfg.Contexts,
		dedup:    cfg.Dedup,
		history:  cfg.History,
		logger:   cfg.Logger,
		stats:    cfg.Stats,
	}
}

// Run consumes events until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("reply worker started")
	for {
		ev, ok := w.queue.Pop(ctx)
		if !ok {
			w.logger.Info("reply worker stopping")
			return
		}
		w.process(ctx, ev)
	}
}

// process handles one event end to end. A failure is logged and the event
// is dropped: delivery is at-most-once, and the dedup watermark advances
// only after the reply has actually been posted.
func (w *Worker) process(ctx context.Context, ev domain.Event) {
	now := time.Now()
	convCtx := w.contexts.Resolve(ev.UserID, now)

	start := time.Now()
	reply := w.llm.Generate(ctx, ev.Text, convCtx)
	latency := time.Since(start)
	w.stats.InferenceMillis.Add(latency.Milliseconds())

	w.contexts.Update(ev.UserID, reply.Context, now)

	if err := w.gw.CreatePost(ctx, ev.ChannelID, reply.Text); err != nil {
		w.stats.ReplyErrors.Inc()
		w.logger.Error("post reply failed", "channel", ev.ChannelID, "err", err)
		return
	}

	w.dedup.Advance(ev.ChannelID, ev.CreateAt)
	w.stats.RepliesPosted.Inc()
	w.logger.Debug("reply posted",
		"channel", ev.ChannelID,
		"user", ev.UserID,
		"latency_ms", latency.Milliseconds(),
		"watermark", ev.CreateAt,
	)

	if w.history != nil {
		err := w.history.Record(ctx, history.Entry{
			ChannelID: ev.ChannelID,
			UserID:    ev.UserID,
			Prompt:    ev.Text,
			Reply:     reply.Text,
			LatencyMs: latency.Milliseconds(),
		})
		if err != nil {
			w.logger.Warn("record history failed", "err", err)
		}
	}
}
