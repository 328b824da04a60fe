// Package gateway implements the Mattermost REST client the pipeline polls
// and posts through.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"matterbot/internal/domain"
)

const (
	apiPrefix          = "/api/v4"
	defaultHTTPTimeout = 30 * time.Second
)

// Mattermost implements domain.ChatGateway over the Mattermost v4 REST API
// with bot-token authentication.
type Mattermost struct {
	baseURL  string
	token    string
	teamName string

	teamID string
	me     domain.User

	client *http.Client
	logger *slog.Logger
}

type Config struct {
	URL     string // server base URL, e.g. https://chat.example.com
	Token   string // bot access token
	Team    string // team name (slug) to monitor
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewMattermost(cfg Config) *Mattermost {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return &Mattermost{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		token:    cfg.Token,
		teamName: cfg.Team,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   cfg.Logger,
	}
}

// Login resolves the bot identity and the monitored team. A bad token or an
// unknown team surfaces here, before any polling starts.
func (m *Mattermost) Login(ctx context.Context) error {
	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := m.get(ctx, "/users/me", &me); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	m.me = domain.User{ID: me.ID, Username: me.Username}

	var team struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	}
	if err := m.get(ctx, "/teams/name/"+url.PathEscape(m.teamName), &team); err != nil {
		return fmt.Errorf("team %q: %w", m.teamName, err)
	}
	m.teamID = team.ID

	m.logger.Info("logged in to mattermost",
		"bot", m.me.Username,
		"team", team.DisplayName,
	)
	return nil
}

func (m *Mattermost) BotUser() domain.User { return m.me }

func (m *Mattermost) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	var raw []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		Type        string `json:"type"`
	}
	path := fmt.Sprintf("/users/%s/teams/%s/channels", m.me.ID, m.teamID)
	if err := m.get(ctx, path, &raw); err != nil {
		return nil, err
	}

	channels := make([]domain.Channel, 0, len(raw))
	for _, c := range raw {
		channels = append(channels, domain.Channel{
			ID:          c.ID,
			DisplayName: c.DisplayName,
			Type:        c.Type,
		})
	}
	return channels, nil
}

// PostsSince fetches posts created at or after since. The API returns them
// in its own order (newest first in the order list); callers normalize.
func (m *Mattermost) PostsSince(ctx context.Context, channelID string, since int64) ([]domain.Post, error) {
	var raw struct {
		Order []string `json:"order"`
		Posts map[string]struct {
			ID       string `json:"id"`
			UserID   string `json:"user_id"`
			Message  string `json:"message"`
			CreateAt int64  `json:"create_at"`
		} `json:"posts"`
	}
	path := fmt.Sprintf("/channels/%s/posts?since=%d", channelID, since)
	if err := m.get(ctx, path, &raw); err != nil {
		return nil, err
	}

	posts := make([]domain.Post, 0, len(raw.Order))
	for _, id := range raw.Order {
		p, ok := raw.Posts[id]
		if !ok {
			continue
		}
		posts = append(posts, domain.Post{
			ID:       p.ID,
			UserID:   p.UserID,
			Message:  p.Message,
			CreateAt: p.CreateAt,
		})
	}
	return posts, nil
}

func (m *Mattermost) GetUser(ctx context.Context, userID string) (domain.User, error) {
	var raw struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := m.get(ctx, "/users/"+url.PathEscape(userID), &raw); err != nil {
		return domain.User{}, err
	}
	return domain.User{ID: raw.ID, Username: raw.Username}, nil
}

func (m *Mattermost) CreatePost(ctx context.Context, channelID, message string) error {
	body := map[string]string{
		"channel_id": channelID,
		"message":    message,
	}
	return m.post(ctx, "/posts", body, nil)
}

func (m *Mattermost) get(ctx context.Context, path string, out any) error {
	return m.do(ctx, http.MethodGet, path, nil, out)
}

func (m *Mattermost) post(ctx context.Context, path string, in, out any) error {
	return m.do(ctx, http.MethodPost, path, in, out)
}

func (m *Mattermost) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+apiPrefix+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}
