// Package telegram is a minimal Bot API client covering what the cabinet
// needs: outbound messages with inline keyboards, callback answers, long-poll
// updates, and photo downloads.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/toolcrib-dev/toolcrib/internal/config"
	"github.com/toolcrib-dev/toolcrib/internal/session"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		// Longer than the getUpdates long-poll window.
		httpClient: &http.Client{Timeout: 50 * time.Second},
		baseURL:    cfg.TelegramBaseURL,
		token:      cfg.TelegramToken,
	}
}

// Enabled reports whether a bot token is configured. A disabled client turns
// every call into a no-op error so the daemon can run without Telegram.
func (c *Client) Enabled() bool {
	return c != nil && c.token != ""
}

type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message"`
	CallbackQuery *CallbackQuery `json:"callback_query"`
}

type Message struct {
	MessageID int64       `json:"message_id"`
	Text      string      `json:"text"`
	Chat      Chat        `json:"chat"`
	Photo     []PhotoSize `json:"photo"`
}

type Chat struct {
	ID int64 `json:"id"`
}

// PhotoSize is one rendition of an inbound photo; Telegram sends them
// smallest first.
type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	Data    string   `json:"data"`
	Message *Message `json:"message"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// Send implements session.Messenger.
func (c *Client) Send(ctx context.Context, chatID, text string, buttons [][]session.Button) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if len(buttons) > 0 {
		keyboard := make([][]map[string]string, 0, len(buttons))
		for _, row := range buttons {
			cells := make([]map[string]string, 0, len(row))
			for _, b := range row {
				cells = append(cells, map[string]string{
					"text":          b.Label,
					"callback_data": b.Data,
				})
			}
			keyboard = append(keyboard, cells)
		}
		payload["reply_markup"] = map[string]any{"inline_keyboard": keyboard}
	}
	_, err := c.call(ctx, "sendMessage", payload)
	return err
}

// AnswerCallback implements session.Messenger.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	payload := map[string]any{
		"callback_query_id": callbackID,
	}
	if text != "" {
		payload["text"] = text
		payload["show_alert"] = alert
	}
	_, err := c.call(ctx, "answerCallbackQuery", payload)
	return err
}

// GetUpdates long-polls for the next batch of updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	payload := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message", "callback_query"},
	}
	raw, err := c.call(ctx, "getUpdates", payload)
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

// DownloadPhoto fetches the file behind fileID into destDir and returns the
// local path.
func (c *Client) DownloadPhoto(ctx context.Context, fileID, destDir string) (string, error) {
	raw, err := c.call(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return "", err
	}
	var file struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return "", fmt.Errorf("decode file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("file %s has no download path", fileID)
	}

	url := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download file: unexpected status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return "", fmt.Errorf("create photo dir: %w", err)
	}
	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".jpg"
	}
	dest := filepath.Join(destDir, uuid.NewString()+ext)
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create photo file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()     //nolint:errcheck
		os.Remove(dest) //nolint:errcheck
		return "", fmt.Errorf("write photo file: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close photo file: %w", err)
	}
	return dest, nil
}

func (c *Client) call(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("telegram client disabled: no token configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if !out.OK {
		return nil, fmt.Errorf("%s: api error: %s", method, out.Description)
	}
	return out.Result, nil
}
