// Package telegram talks to the Bot API: run notifications for the operator
// chat and the update polling used by cmd/tgbot.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const DefaultBaseURL = "https://api.telegram.org"

type Update struct {
	UpdateID      int            `json:"update_id"`
	Message       *Message       `json:"message"`
	CallbackQuery *CallbackQuery `json:"callback_query"`
}

type Message struct {
	MessageID int    `json:"message_id"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	Data    string   `json:"data"`
	Message *Message `json:"message"`
}

type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(token string) *Client {
	return &Client{
		Token:      token,
		BaseURL:    DefaultBaseURL,
		HTTPClient: &http.Client{Timeout: 40 * time.Second},
	}
}

// GetUpdates long-polls for updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int, wait time.Duration) ([]Update, error) {
	q := url.Values{}
	q.Set("timeout", fmt.Sprint(int(wait.Seconds())))
	q.Set("offset", fmt.Sprint(offset))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.method("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out []Update
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, buttons ...Button) (Message, error) {
	payload := map[string]any{"chat_id": chatID, "text": text}
	if len(buttons) > 0 {
		payload["reply_markup"] = map[string]any{"inline_keyboard": [][]Button{buttons}}
	}
	var msg Message
	err := c.postJSON(ctx, "sendMessage", payload, &msg)
	return msg, err
}

func (c *Client) AnswerCallback(ctx context.Context, id, text string) error {
	return c.postJSON(ctx, "answerCallbackQuery", map[string]any{"callback_query_id": id, "text": text}, nil)
}

func (c *Client) EditMessage(ctx context.Context, chatID int64, messageID int, text string) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	return c.postJSON(ctx, "editMessageText", payload, nil)
}

func (c *Client) method(name string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.BaseURL, c.Token, name)
}

func (c *Client) postJSON(ctx context.Context, name string, payload map[string]any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.method(name), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	var resp apiResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	if !resp.OK {
		return fmt.Errorf("telegram: %s (HTTP %d)", resp.Description, res.StatusCode)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}
