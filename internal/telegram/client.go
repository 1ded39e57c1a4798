package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrTopicNotFound is returned when the remote platform reports that the
// forum topic a send targeted no longer exists.
var ErrTopicNotFound = errors.New("telegram: message thread not found")

// Client is a minimal Bot API client for the relay: forum topic management,
// message/attachment delivery, update intake and file download.
type Client struct {
	BaseURL string
	Token   string
	ChatID  int64
	HTTP    *http.Client
}

func NewClient(token string, chatID int64) *Client {
	return &Client{
		BaseURL: "https://api.telegram.org",
		Token:   token,
		ChatID:  chatID,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.BaseURL, c.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeAPIResponse(resp.Body, method, result)
}

func decodeAPIResponse(r io.Reader, method string, result any) error {
	var decoded apiResponse
	if err := json.NewDecoder(r).Decode(&decoded); err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	if !decoded.OK {
		if strings.Contains(strings.ToLower(decoded.Description), "thread not found") {
			return ErrTopicNotFound
		}
		return fmt.Errorf("telegram: %s: %d %s", method, decoded.ErrorCode, decoded.Description)
	}
	if result != nil {
		if err := json.Unmarshal(decoded.Result, result); err != nil {
			return fmt.Errorf("telegram: %s: decode result: %w", method, err)
		}
	}
	return nil
}

// GetMe returns the bot's username, used to strip @botname command suffixes.
func (c *Client) GetMe(ctx context.Context) (string, error) {
	var me User
	if err := c.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return "", err
	}
	return me.Username, nil
}

// CreateTopic creates a forum topic in the support group and returns its
// thread id.
func (c *Client) CreateTopic(ctx context.Context, name string) (int64, error) {
	// Topic names are capped by the platform.
	if len(name) > 128 {
		name = name[:128]
	}
	var topic struct {
		ThreadID int64 `json:"message_thread_id"`
	}
	params := map[string]any{"chat_id": c.ChatID, "name": name}
	if err := c.call(ctx, "createForumTopic", params, &topic); err != nil {
		return 0, err
	}
	return topic.ThreadID, nil
}

// SendMessage posts text into a topic. A zero topicID posts to the general
// chat (used for command replies).
func (c *Client) SendMessage(ctx context.Context, topicID int64, text string) error {
	params := map[string]any{"chat_id": c.ChatID, "text": text}
	if topicID != 0 {
		params["message_thread_id"] = topicID
	}
	return c.call(ctx, "sendMessage", params, nil)
}

// SendTyping forwards a typing indicator into a topic. Best effort.
func (c *Client) SendTyping(ctx context.Context, topicID int64) error {
	params := map[string]any{"chat_id": c.ChatID, "action": "typing"}
	if topicID != 0 {
		params["message_thread_id"] = topicID
	}
	return c.call(ctx, "sendChatAction", params, nil)
}

// SendPhoto uploads a locally stored image into a topic.
func (c *Client) SendPhoto(ctx context.Context, topicID int64, path, caption string) error {
	return c.sendFile(ctx, "sendPhoto", "photo", topicID, path, caption)
}

// SendDocument uploads a locally stored file into a topic.
func (c *Client) SendDocument(ctx context.Context, topicID int64, path, caption string) error {
	return c.sendFile(ctx, "sendDocument", "document", topicID, path, caption)
}

func (c *Client) sendFile(ctx context.Context, method, field string, topicID int64, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("chat_id", strconv.FormatInt(c.ChatID, 10))
	if topicID != 0 {
		_ = w.WriteField("message_thread_id", strconv.FormatInt(topicID, 10))
	}
	if caption != "" {
		_ = w.WriteField("caption", caption)
	}
	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.BaseURL, c.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeAPIResponse(resp.Body, method, nil)
}

// DownloadFile streams a remote file's bytes into w.
func (c *Client) DownloadFile(ctx context.Context, fileID string, w io.Writer) error {
	var info fileInfo
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &info); err != nil {
		return err
	}
	if info.FilePath == "" {
		return fmt.Errorf("telegram: getFile: empty file_path for %s", fileID)
	}

	url := fmt.Sprintf("%s/file/bot%s/%s", c.BaseURL, c.Token, info.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram: file download: status %d", resp.StatusCode)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// GetUpdates long-polls for new updates past offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SetWebhook points the platform at our webhook endpoint, authenticated by
// the shared secret header.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	params := map[string]any{
		"url":             url,
		"secret_token":    secret,
		"allowed_updates": []string{"message"},
	}
	return c.call(ctx, "setWebhook", params, nil)
}

// DeleteWebhook detaches the webhook so polling mode can take over.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", struct{}{}, nil)
}
