// Package telegram is a minimal Bot API client over net/http: long polling,
// message send/edit/delete, inline keyboards, and MarkdownV2 with automatic
// fallback to plain text when Telegram rejects the formatting.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/telclaude/telclaude/logger"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// Client talks to the Telegram Bot API. Safe for concurrent use.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	log     *slog.Logger
}

// NewClient creates a client for the given bot token. A nil httpClient gets
// a 90s timeout, long enough to outlast getUpdates long polls.
func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		log:     logger.WithComponent("telegram"),
	}
}

type okResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// call posts a JSON request to a Bot API method and unmarshals the result
// into out (which may be nil).
func (c *Client) call(ctx context.Context, method string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var ok okResponse
	_ = json.Unmarshal(raw, &ok)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !ok.OK {
		return &RequestError{
			StatusCode:  resp.StatusCode,
			ErrorCode:   ok.ErrorCode,
			Description: ok.Description,
			Body:        strings.TrimSpace(string(raw)),
		}
	}
	if out != nil && len(ok.Result) > 0 {
		return json.Unmarshal(ok.Result, out)
	}
	return nil
}

// GetMe verifies the token and returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var user User
	if err := c.call(ctx, "getMe", struct{}{}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

type getUpdatesRequest struct {
	Offset  int64 `json:"offset,omitempty"`
	Timeout int   `json:"timeout"`
}

// GetUpdates long polls for updates and returns them with the next offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	var updates []Update
	err := c.call(reqCtx, "getUpdates", getUpdatesRequest{Offset: offset, Timeout: secs}, &updates)
	if err != nil {
		return nil, offset, err
	}

	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

// IsPollTimeout reports whether an error is long-poll timeout noise rather
// than a real failure.
func IsPollTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "client.timeout exceeded")
}

type sendMessageRequest struct {
	ChatID                int64                 `json:"chat_id"`
	Text                  string                `json:"text"`
	ParseMode             string                `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool                  `json:"disable_web_page_preview,omitempty"`
	ReplyMarkup           *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendMessage sends text as MarkdownV2, escaping and finally falling back to
// plain text when Telegram can't parse the entities. Returns the sent
// message so callers can edit it later.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (*Message, error) {
	return c.SendMessageWithKeyboard(ctx, chatID, text, nil)
}

// SendMessageWithKeyboard is SendMessage with an inline keyboard attached.
func (c *Client) SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, keyboard *InlineKeyboardMarkup) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "(empty)"
	}

	msg, err := c.sendWithParseMode(ctx, chatID, text, "MarkdownV2", keyboard)
	if err == nil {
		return msg, nil
	}
	if isMarkdownParseError(err) {
		msg, err = c.sendWithParseMode(ctx, chatID, EscapeMarkdownV2(text), "MarkdownV2", keyboard)
		if err == nil {
			return msg, nil
		}
	}
	c.log.Debug("markdown send failed, falling back to plain", "error", err)
	return c.sendWithParseMode(ctx, chatID, text, "", keyboard)
}

func (c *Client) sendWithParseMode(ctx context.Context, chatID int64, text, parseMode string, keyboard *InlineKeyboardMarkup) (*Message, error) {
	var msg Message
	err := c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             parseMode,
		DisableWebPagePreview: true,
		ReplyMarkup:           keyboard,
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MaxMessageLen is where messages get split. The Bot API limit is 4096;
// splitting earlier leaves headroom for escaping.
const MaxMessageLen = 3500

// splitPoint returns a byte offset at most max where text can be cut without
// breaking a UTF-8 rune, preferring a newline or space break when one sits in
// the second half of the chunk.
func splitPoint(text string, max int) int {
	if len(text) <= max {
		return len(text)
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if i := strings.LastIndexByte(text[:cut], '\n'); i > max/2 {
		return i + 1
	}
	if i := strings.LastIndexByte(text[:cut], ' '); i > max/2 {
		return i + 1
	}
	return cut
}

// SendChunked splits long text across multiple messages and returns the
// last one sent.
func (c *Client) SendChunked(ctx context.Context, chatID int64, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return c.SendMessage(ctx, chatID, "(empty)")
	}

	var last *Message
	for len(text) > 0 {
		cut := splitPoint(text, MaxMessageLen)
		msg, err := c.SendMessage(ctx, chatID, text[:cut])
		if err != nil {
			return last, err
		}
		last = msg
		text = strings.TrimSpace(text[cut:])
	}
	return last, nil
}

type editMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	MessageID             int64  `json:"message_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// EditMessageText replaces a sent message's text with the same markdown
// fallback chain as SendMessage. "Message is not modified" responses are
// swallowed; stale edits are routine during streaming.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "(empty)"
	}
	if len(text) > MaxMessageLen {
		text = text[:splitPoint(text, MaxMessageLen)]
	}

	err := c.editWithParseMode(ctx, chatID, messageID, text, "MarkdownV2")
	if err == nil || isNotModified(err) {
		return nil
	}
	if isMarkdownParseError(err) {
		err = c.editWithParseMode(ctx, chatID, messageID, EscapeMarkdownV2(text), "MarkdownV2")
		if err == nil || isNotModified(err) {
			return nil
		}
	}
	err = c.editWithParseMode(ctx, chatID, messageID, text, "")
	if isNotModified(err) {
		return nil
	}
	return err
}

func (c *Client) editWithParseMode(ctx context.Context, chatID, messageID int64, text, parseMode string) error {
	return c.call(ctx, "editMessageText", editMessageRequest{
		ChatID:                chatID,
		MessageID:             messageID,
		Text:                  text,
		ParseMode:             parseMode,
		DisableWebPagePreview: true,
	}, nil)
}

type deleteMessageRequest struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// DeleteMessage removes a sent message.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return c.call(ctx, "deleteMessage", deleteMessageRequest{ChatID: chatID, MessageID: messageID}, nil)
}

type answerCallbackRequest struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

// AnswerCallbackQuery acknowledges an inline button tap so the client stops
// showing a spinner.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	return c.call(ctx, "answerCallbackQuery", answerCallbackRequest{
		CallbackQueryID: callbackID,
		Text:            text,
	}, nil)
}

func isNotModified(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

func isMarkdownParseError(err error) bool {
	if err == nil {
		return false
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		desc := strings.ToLower(reqErr.Description)
		if strings.Contains(desc, "can't parse entities") || strings.Contains(desc, "can't parse entity") {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can't parse entities") || strings.Contains(msg, "can't parse entity")
}

// EscapeMarkdownV2 backslash-escapes every character MarkdownV2 reserves.
func EscapeMarkdownV2(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	var b strings.Builder
	b.Grow(len(text) * 2)
	for _, r := range text {
		switch r {
		case '\\', '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
