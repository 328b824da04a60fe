package ingest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"matterbot/internal/cursor"
	"matterbot/internal/domain"
	"matterbot/internal/queue"
)

const boot = int64(20)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeGateway struct {
	bot      domain.User
	channels []domain.Channel
	posts    map[string][]domain.Post
	postsErr map[string]error
	listErr  error
	since    map[string]int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		bot:      domain.User{ID: "bot1", Username: "bot"},
		posts:    make(map[string][]domain.Post),
		postsErr: make(map[string]error),
		since:    make(map[string]int64),
	}
}

func (f *fakeGateway) BotUser() domain.User { return f.bot }

func (f *fakeGateway) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	return f.channels, f.listErr
}

func (f *fakeGateway) PostsSince(ctx context.Context, channelID string, since int64) ([]domain.Post, error) {
	f.since[channelID] = since
	if err := f.postsErr[channelID]; err != nil {
		return nil, err
	}
	var out []domain.Post
	for _, p := range f.posts[channelID] {
		if p.CreateAt >= since {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeGateway) GetUser(ctx context.Context, userID string) (domain.User, error) {
	return domain.User{ID: userID, Username: "user-" + userID}, nil
}

func (f *fakeGateway) CreatePost(ctx context.Context, channelID, message string) error {
	return nil
}

func newPoller(gw domain.ChatGateway, q *queue.Queue, dedup *cursor.Map) *Poller {
	return New(Config{
		Gateway:  gw,
		Queue:    q,
		Poll:     cursor.NewMap(),
		Dedup:    dedup,
		BootTime: boot,
		Logger:   testLogger(),
	})
}

func drain(t *testing.T, q *queue.Queue) []domain.Event {
	t.Helper()
	var out []domain.Event
	ctx := context.Background()
	for q.Len() > 0 {
		ev, _ := q.Pop(ctx)
		out = append(out, ev)
	}
	return out
}

func TestPoller_MentionRequiredInPublicChannel(t *testing.T) {
	gw := newFakeGateway()
	gw.channels = []domain.Channel{{ID: "c1", DisplayName: "general", Type: domain.ChannelOpen}}
	gw.posts["c1"] = []domain.Post{
		{ID: "p1", UserID: "u1", Message: "hello", CreateAt: 100},
		{ID: "p2", UserID: "u1", Message: "@bot hello", CreateAt: 101},
	}

	q := queue.New()
	p := newPoller(gw, q, cursor.NewMap())
	p.cycle(context.Background())

	events := drain(t, q)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].CreateAt != 101 {
		t.Errorf("expected the mentioning post, got %+v", events[0])
	}
}

func TestPoller_DirectChannelSkipsMentionCheck(t *testing.T) {
	gw := newFakeGateway()
	gw.channels = []domain.Channel{{ID: "dm1", Type: domain.ChannelDirect}}
	gw.posts["dm1"] = []domain.Post{
		{ID: "p1", UserID: "u1", Message: "hi", CreateAt: 50},
	}

	q := queue.New()
	p := newPoller(gw, q, cursor.NewMap())
	p.cycle(context.Background())

	if events := drain(t, q); len(events) != 1 {
		t.Fatalf("DM without mention must be enqueued, got %d events", len(events))
	}
}

func TestPoller_SkipsPreBootPosts(t *testing.T) {
	gw := newFakeGateway()
	gw.channels = []domain.Channel{{ID: "dm1", Type: domain.ChannelDirect}}
	gw.posts["dm1"] = []domain.Post{
		{ID: "p1", UserID: "u1", Message: "old", CreateAt: 10}, // before boot=20
		{ID: "p2", UserID: "u1", Message: "new", CreateAt: 30},
	}

	q := queue.New()
	p := newPoller(gw, q, cursor.NewMap())
	// Zero the poll watermark so the pre-boot post actually comes back.
	p.poll.Put("dm1", 0)
	p.cycle(context.Background())

	events := drain(t, q)
	if len(events) != 1 || events[0].CreateAt != 30 {
		t.Fatalf("expected only the post-boot event, got %+v", events)
	}
}

func TestPoller_SkipsBotOwnPosts(t *testing.T) {
	gw := newFakeGateway()
	gw.channels = []domain.Channel{{ID: "dm1", Type: domain.ChannelDirect}}
	gw.posts["dm1"] = []domain.Post{
		{ID: "p1", UserID: "bot1", Message: "my own reply", CreateAt: 40},
	}

	q := queue.New()
	p := newPoller(gw, q, cursor.NewMap())
	p.cycle(context.Background())

	if q.Len() != 0 {
		t.Error("bot's own post must never be enqueued")
	}
}

func TestPoller_DedupWatermarkFilters(t *testing.T) {
	gw := newFakeGateway()
	gw.channels = []domain.Channel{{ID: "dm1", Type: domain.ChannelDirect}}
	gw.posts["dm1"] = []domain.Post{
		{ID: "p1", UserID: "u1", Message: "already handled", CreateAt: 100},
		{ID: "p2", UserID: "u1", Message: "same instant", CreateAt: 150},
		{ID: "p3", UserID: "u1", Message: "fresh", CreateAt: 151},
	}

	dedup := cursor.NewMap()
	dedup.Advance("dm1", 150)

	q := queue.New()
	p := newPoller(gw, q, dedup)
	p.cycle(context.Background())

	events := drain(t, q)
	if len(events) != 1 || events[0].CreateAt != 151 {
		t.Fatalf("expected only the post above the watermark, got %+v", events)
	}
}

func TestPoller_EnqueuesOldestFirst(t *testing.T) {
	gw := newFakeGateway()
	gw.channels = []domain.Channel{{ID: "dm1", Type: domain.ChannelDirect}}
	// Newest first, as the chat API returns them.
	gw.posts["dm1"] = []domain.Post{
		{ID: "p3", UserID: "u1", Message: "three", CreateAt: 300},
		{ID: "p2", UserID: "u1", Message: "two", CreateAt: 200},
		{ID: "p1", UserID: "u1", Message: "one", CreateAt: 100},
	}

	q := queue.New()
	p := newPoller(gw, q, cursor.NewMap())
	p.cycle(context.Background())

	events := drain(t, q)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, want := range []int64{100, 200, 300} {
		if events[i].CreateAt != want {
			t.Errorf("event %d: expected ts %d, got %d", i, want, events[i].CreateAt)
		}
	}
}

func TestPoller_FirstFetchStartsAtBoot(t *testing.T) {
	gw := newFakeGateway()
	gw.channels = []domain.Channel{{ID: "dm1", Type: domain.ChannelDirect}}

	q := queue.New()
	p := newPoller(gw, q, cursor.NewMap())
	p.cycle(context.Background())

	if gw.since["dm1"] != boot {
		t.Errorf("first fetch must use the boot marker, got %d", gw.since["dm1"])
	}
}

func TestPoller_PollWatermarkAdvancesOnFetchError(t *testing.T) {
	gw := newFakeGateway()
	gw.channels = []domain.Channel{{ID: "dm1", Type: domain.ChannelDirect}}
	gw.postsErr["dm1"] = errors.New("boom")

	q := queue.New()
	p := newPoller(gw, q, cursor.NewMap())

	before := time.Now().UnixMilli()
	p.cycle(context.Background())

	if got := p.poll.Get("dm1", 0); got < before {
		t.Errorf("poll watermark must advance even on error, got %d", got)
	}
}

func TestPoller_ChannelErrorDoesNotAbortOthers(t *testing.T) {
	gw := newFakeGateway()
	gw.channels = []domain.Channel{
		{ID: "bad", Type: domain.ChannelDirect},
		{ID: "good", Type: domain.ChannelDirect},
	}
	gw.postsErr["bad"] = errors.New("boom")
	gw.posts["good"] = []domain.Post{
		{ID: "p1", UserID: "u1", Message: "hi", CreateAt: 50},
	}

	q := queue.New()
	p := newPoller(gw, q, cursor.NewMap())
	p.cycle(context.Background())

	if events := drain(t, q); len(events) != 1 || events[0].ChannelID != "good" {
		t.Fatalf("the healthy channel must still be polled, got %+v", events)
	}
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	gw := newFakeGateway()
	q := queue.New()
	p := newPoller(gw, q, cursor.NewMap())
	p.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
