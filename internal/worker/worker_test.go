package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"matterbot/internal/convo"
	"matterbot/internal/cursor"
	"matterbot/internal/domain"
	"matterbot/internal/history"
	"matterbot/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeGateway struct {
	created   []string
	createErr error
}

func (f *fakeGateway) BotUser() domain.User { return domain.User{ID: "bot1", Username: "bot"} }
func (f *fakeGateway) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	return nil, nil
}
func (f *fakeGateway) PostsSince(ctx context.Context, channelID string, since int64) ([]domain.Post, error) {
	return nil, nil
}
func (f *fakeGateway) GetUser(ctx context.Context, userID string) (domain.User, error) {
	return domain.User{ID: userID}, nil
}
func (f *fakeGateway) CreatePost(ctx context.Context, channelID, message string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, channelID+":"+message)
	return nil
}

type llmCall struct {
	prompt  string
	convCtx domain.ContextToken
}

type fakeLLM struct {
	calls []llmCall
	reply domain.Reply
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, convCtx domain.ContextToken) domain.Reply {
	f.calls = append(f.calls, llmCall{prompt: prompt, convCtx: convCtx})
	return f.reply
}

func newWorker(gw domain.ChatGateway, llm domain.InferenceClient, contexts *convo.Store, dedup *cursor.Map, hist *history.Store) *Worker {
	return New(Config{
		Gateway:  gw,
		LLM:      llm,
		Queue:    queue.New(),
		Contexts: contexts,
		Dedup:    dedup,
		History:  hist,
		Logger:   testLogger(),
	})
}

func TestWorker_PostsReplyAndAdvancesWatermark(t *testing.T) {
	gw := &fakeGateway{}
	llm := &fakeLLM{reply: domain.Reply{Text: "hi there"}}
	dedup := cursor.NewMap()
	w := newWorker(gw, llm, convo.NewStore(0, true), dedup, nil)

	w.process(context.Background(), domain.Event{ChannelID: "c1", UserID: "u1", Text: "@bot hello", CreateAt: 101})

	if len(gw.created) != 1 || gw.created[0] != "c1:hi there" {
		t.Fatalf("unexpected posts %v", gw.created)
	}
	if got := dedup.Get("c1", 0); got != 101 {
		t.Errorf("expected watermark 101 after processing, got %d", got)
	}
}

func TestWorker_FailedPostLeavesWatermark(t *testing.T) {
	gw := &fakeGateway{createErr: errors.New("boom")}
	llm := &fakeLLM{reply: domain.Reply{Text: "hi"}}
	dedup := cursor.NewMap()
	w := newWorker(gw, llm, convo.NewStore(0, true), dedup, nil)

	w.process(context.Background(), domain.Event{ChannelID: "c1", UserID: "u1", Text: "hello", CreateAt: 101})

	if got := dedup.Get("c1", 0); got != 0 {
		t.Errorf("watermark must not advance when the post fails, got %d", got)
	}
}

func TestWorker_ContextRoundTrip(t *testing.T) {
	gw := &fakeGateway{}
	llm := &fakeLLM{reply: domain.Reply{Text: "ok", Context: domain.ContextToken(`[1,2]`)}}
	w := newWorker(gw, llm, convo.NewStore(0, true), cursor.NewMap(), nil)

	ctx := context.Background()
	w.process(ctx, domain.Event{ChannelID: "c1", UserID: "u1", Text: "first", CreateAt: 101})
	w.process(ctx, domain.Event{ChannelID: "c1", UserID: "u1", Text: "second", CreateAt: 102})

	if len(llm.calls) != 2 {
		t.Fatalf("expected 2 inference calls, got %d", len(llm.calls))
	}
	if llm.calls[0].convCtx != nil {
		t.Errorf("first call must carry no context, got %q", llm.calls[0].convCtx)
	}
	if string(llm.calls[1].convCtx) != "[1,2]" {
		t.Errorf("second call must replay the stored token, got %q", llm.calls[1].convCtx)
	}
}

func TestWorker_TrackingDisabledSendsNoContext(t *testing.T) {
	gw := &fakeGateway{}
	llm := &fakeLLM{reply: domain.Reply{Text: "ok", Context: domain.ContextToken(`[1]`)}}
	w := newWorker(gw, llm, convo.NewStore(0, false), cursor.NewMap(), nil)

	ctx := context.Background()
	w.process(ctx, domain.Event{ChannelID: "c1", UserID: "u1", Text: "first", CreateAt: 101})
	w.process(ctx, domain.Event{ChannelID: "c1", UserID: "u1", Text: "second", CreateAt: 102})

	for i, call := range llm.calls {
		if call.convCtx != nil {
			t.Errorf("call %d: tracking disabled must never carry context, got %q", i, call.convCtx)
		}
	}
}

func TestWorker_RecordsHistory(t *testing.T) {
	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"), testLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer hist.Close()

	gw := &fakeGateway{}
	llm := &fakeLLM{reply: domain.Reply{Text: "answer"}}
	w := newWorker(gw, llm, convo.NewStore(0, true), cursor.NewMap(), hist)

	w.process(context.Background(), domain.Event{ChannelID: "c1", UserID: "u1", Text: "question", CreateAt: 101})

	entries, err := hist.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 transcript entry, got %d", len(entries))
	}
	if entries[0].Prompt != "question" || entries[0].Reply != "answer" {
		t.Errorf("unexpected entry %+v", entries[0])
	}
}

func TestWorker_RunConsumesQueue(t *testing.T) {
	gw := &fakeGateway{}
	llm := &fakeLLM{reply: domain.Reply{Text: "ok"}}
	dedup := cursor.NewMap()
	w := newWorker(gw, llm, convo.NewStore(0, true), dedup, nil)

	w.queue.Push(domain.Event{ChannelID: "c1", UserID: "u1", Text: "hi", CreateAt: 50})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for dedup.Get("c1", 0) != 50 {
		select {
		case <-deadline:
			t.Fatal("queued event was not processed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
