package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"filestore/internal/logging"
)

const defaultAPIBase = "https://api.telegram.org"

// BotAPIConfig holds configuration for the Bot API client.
type BotAPIConfig struct {
	Token       string
	BaseURL     string        // defaults to https://api.telegram.org
	PollTimeout time.Duration // long-poll timeout for getUpdates
}

// BotAPIClient implements Client over the Telegram Bot HTTP API, receiving
// updates by long polling.
type BotAPIClient struct {
	token       string
	baseURL     string
	pollTimeout time.Duration
	httpClient  *http.Client

	startOnce sync.Once
	closeOnce sync.Once
	updates   chan Message
	done      chan struct{}
}

// APIError is an error reported by the Bot API itself.
type APIError struct {
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("bot api error %d: %s (retry after %s)", e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("bot api error %d: %s", e.Code, e.Description)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

type apiMessage struct {
	MessageID int64 `json:"message_id"`
	From      *struct {
		ID int64 `json:"id"`
	} `json:"from,omitempty"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text     string          `json:"text,omitempty"`
	Caption  string          `json:"caption,omitempty"`
	Document json.RawMessage `json:"document,omitempty"`
	Photo    json.RawMessage `json:"photo,omitempty"`
	Video    json.RawMessage `json:"video,omitempty"`
	Audio    json.RawMessage `json:"audio,omitempty"`
	Voice    json.RawMessage `json:"voice,omitempty"`
	Sticker  json.RawMessage `json:"sticker,omitempty"`
}

type apiUpdate struct {
	UpdateID int64       `json:"update_id"`
	Message  *apiMessage `json:"message,omitempty"`
}

func (m *apiMessage) toMessage() Message {
	msg := Message{
		MessageID: m.MessageID,
		ChatID:    m.Chat.ID,
		Text:      m.Text,
		Caption:   m.Caption,
	}
	if m.From != nil {
		msg.FromID = m.From.ID
	}
	switch {
	case len(m.Document) > 0:
		msg.Media = "document"
	case len(m.Photo) > 0:
		msg.Media = "photo"
	case len(m.Video) > 0:
		msg.Media = "video"
	case len(m.Audio) > 0:
		msg.Media = "audio"
	case len(m.Voice) > 0:
		msg.Media = "voice"
	case len(m.Sticker) > 0:
		msg.Media = "sticker"
	}
	return msg
}

// NewBotAPIClient creates a client and verifies the token with getMe.
func NewBotAPIClient(cfg BotAPIConfig) (*BotAPIClient, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAPIBase
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 50 * time.Second
	}

	c := &BotAPIClient{
		token:       cfg.Token,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		pollTimeout: cfg.PollTimeout,
		httpClient: &http.Client{
			Timeout: cfg.PollTimeout + 10*time.Second,
		},
		updates: make(chan Message, 100),
		done:    make(chan struct{}),
	}

	logging.Telegram.Println("testing connection...")
	var me struct {
		Username string `json:"username"`
	}
	if err := c.call(context.Background(), "getMe", nil, &me); err != nil {
		return nil, fmt.Errorf("failed to connect to Bot API: %w", err)
	}
	logging.Telegram.Printf("connected as @%s", me.Username)

	return c, nil
}

func (c *BotAPIClient) call(ctx context.Context, method string, params any, out any) error {
	var body io.Reader = http.NoBody
	if params != nil {
		jsonBody, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonBody)
	}

	url := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// the URL embeds the token; keep it out of logs
		return fmt.Errorf("%s request failed: %w", method, redact(err, c.token))
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("%s: failed to decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if !apiResp.OK {
		apiErr := &APIError{Code: apiResp.ErrorCode, Description: apiResp.Description}
		if apiResp.Parameters != nil {
			apiErr.RetryAfter = time.Duration(apiResp.Parameters.RetryAfter) * time.Second
		}
		return fmt.Errorf("%s: %w", method, apiErr)
	}
	if out != nil {
		if err := json.Unmarshal(apiResp.Result, out); err != nil {
			return fmt.Errorf("%s: failed to decode result: %w", method, err)
		}
	}
	return nil
}

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), token, "<token>"))
}

func (c *BotAPIClient) ForwardMessage(ctx context.Context, toChatID, fromChatID, messageID int64) (int64, error) {
	var msg apiMessage
	err := c.call(ctx, "forwardMessage", map[string]int64{
		"chat_id":      toChatID,
		"from_chat_id": fromChatID,
		"message_id":   messageID,
	}, &msg)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (c *BotAPIClient) SendText(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}, nil)
}

func (c *BotAPIClient) SetCommands(ctx context.Context, cmds []BotCommand) error {
	type apiCommand struct {
		Command     string `json:"command"`
		Description string `json:"description"`
	}
	list := make([]apiCommand, len(cmds))
	for i, cmd := range cmds {
		list[i] = apiCommand{Command: cmd.Command, Description: cmd.Description}
	}
	return c.call(ctx, "setMyCommands", map[string]any{"commands": list}, nil)
}

// Updates starts the long-poll loop on first call and returns the channel
// of incoming messages. The channel is closed when ctx ends or the client
// is closed.
func (c *BotAPIClient) Updates(ctx context.Context) (<-chan Message, error) {
	c.startOnce.Do(func() {
		go c.poll(ctx)
	})
	return c.updates, nil
}

func (c *BotAPIClient) poll(ctx context.Context) {
	defer close(c.updates)

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		var batch []apiUpdate
		err := c.call(ctx, "getUpdates", map[string]any{
			"offset":          offset,
			"timeout":         int(c.pollTimeout / time.Second),
			"allowed_updates": []string{"message"},
		}, &batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := 3 * time.Second
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			logging.Telegram.Printf("getUpdates failed, retrying in %s: %v", wait, err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
			continue
		}

		for _, u := range batch {
			offset = u.UpdateID + 1
			if u.Message == nil {
				continue
			}
			select {
			case c.updates <- u.Message.toMessage():
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}
}

func (c *BotAPIClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
