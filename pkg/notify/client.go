// Package notify posts chaser messages into chat channels. A chaser is a
// threaded HTML reply under the task's root message; when the root is gone
// and fallback is enabled, a fresh root is posted instead.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/chip-edw/taskchaser/pkg/auth"
)

// Message is one chaser post.
type Message struct {
	TeamID        string
	ChannelID     string
	RootMessageID string // empty forces a new root
	HTML          string
	MentionID     string // optional; empty attaches no mention
}

type Client struct {
	http           *resty.Client
	tokens         auth.TokenProvider
	threadFallback bool
	log            *zap.Logger
}

func New(baseURL string, threadFallback bool, tokens auth.TokenProvider, log *zap.Logger) *Client {
	return &Client{
		http:           resty.New().SetBaseURL(strings.TrimRight(baseURL, "/")).SetTimeout(30 * time.Second),
		tokens:         tokens,
		threadFallback: threadFallback,
		log:            log,
	}
}

type postBody struct {
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	Mentions []mention `json:"mentions,omitempty"`
}

type mention struct {
	ID        int    `json:"id"`
	MentionID string `json:"mentionId"`
}

func (c *Client) post(ctx context.Context, path string, m Message) (*resty.Response, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: token: %w", err)
	}

	var body postBody
	body.Body.ContentType = "html"
	body.Body.Content = m.HTML
	if m.MentionID != "" {
		body.Mentions = []mention{{ID: 0, MentionID: m.MentionID}}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("notify: post %s: %w", path, err)
	}
	return resp, nil
}

func messageID(resp *resty.Response) (string, error) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("notify: decode post response: %w", err)
	}
	return body.ID, nil
}

// PostChaser posts m and returns the root message id the thread now lives
// under plus the id of the posted message. The returned root differs from
// m.RootMessageID when the original thread was lost and a new root was
// posted; in that case both ids are the new root's.
func (c *Client) PostChaser(ctx context.Context, m Message) (rootID, msgID string, err error) {
	channelPath := fmt.Sprintf("/teams/%s/channels/%s/messages", m.TeamID, m.ChannelID)

	if m.RootMessageID != "" {
		resp, err := c.post(ctx, fmt.Sprintf("%s/%s/replies", channelPath, m.RootMessageID), m)
		if err != nil {
			return "", "", err
		}
		switch {
		case resp.IsSuccess():
			id, err := messageID(resp)
			if err != nil {
				return "", "", err
			}
			return m.RootMessageID, id, nil
		case (resp.StatusCode() == 404 || resp.StatusCode() == 410) && c.threadFallback:
			c.log.Warn("thread root lost, posting a new root",
				zap.String("team", m.TeamID), zap.String("channel", m.ChannelID),
				zap.String("root", m.RootMessageID))
		default:
			return "", "", fmt.Errorf("notify: reply returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
		}
	}

	resp, err := c.post(ctx, channelPath, m)
	if err != nil {
		return "", "", err
	}
	if resp.IsError() {
		return "", "", fmt.Errorf("notify: post returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	id, err := messageID(resp)
	if err != nil {
		return "", "", err
	}
	return id, id, nil
}
