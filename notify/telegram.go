package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const (
	defaultTelegramBase = "https://api.telegram.org"
	maxAvatarBytes      = 5 << 20
	// Telegram rejects photo captions longer than this.
	maxCaptionLen = 1024
)

// TelegramSink posts notifications through the Telegram Bot API.
// With an attachment it sends the avatar as a photo with the text as caption,
// falling back to a plain text message when the avatar cannot be used.
type TelegramSink struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func (s *TelegramSink) http() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (s *TelegramSink) endpoint(method string) string {
	base := s.BaseURL
	if base == "" {
		base = defaultTelegramBase
	}
	return strings.TrimRight(base, "/") + "/bot" + s.Token + "/" + method
}

// Send implements Sink.
func (s *TelegramSink) Send(ctx context.Context, d Delivery) error {
	if d.Destination == "" {
		return Permanent(errors.New("telegram: empty chat id"))
	}
	if d.AttachmentURL != "" && len(d.Text) <= maxCaptionLen {
		img, ext, err := s.fetchAvatar(ctx, d.AttachmentURL)
		if err == nil {
			err = s.sendPhoto(ctx, d, img, ext)
			if err == nil {
				return nil
			}
			// A rejected photo still leaves the text worth sending.
			if permanent, _ := ClassifyDeliveryError(err); !permanent {
				return err
			}
		}
		slog.Debug("telegram photo unavailable, sending text only",
			slog.String("identity", d.Identity),
			slog.Any("err", err),
			slog.String("component", "notify_telegram"))
	}
	return s.sendMessage(ctx, d)
}

// fetchAvatar downloads the attachment and confirms it is an image.
func (s *TelegramSink) fetchAvatar(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := s.http().Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("avatar fetch: HTTP %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(b) > maxAvatarBytes {
		return nil, "", errors.New("avatar too large")
	}
	mt := mimetype.Detect(b)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, "", fmt.Errorf("avatar is %s, not an image", mt.String())
	}
	return b, mt.Extension(), nil
}

func (s *TelegramSink) sendPhoto(ctx context.Context, d Delivery, img []byte, ext string) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("chat_id", d.Destination); err != nil {
		return err
	}
	if err := w.WriteField("caption", d.Text); err != nil {
		return err
	}
	fw, err := w.CreateFormFile("photo", "profile"+ext)
	if err != nil {
		return err
	}
	if _, err := fw.Write(img); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return s.post(ctx, "sendPhoto", w.FormDataContentType(), &body)
}

func (s *TelegramSink) sendMessage(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id": d.Destination,
		"text":    d.Text,
	})
	if err != nil {
		return Permanent(err)
	}
	return s.post(ctx, "sendMessage", "application/json", bytes.NewReader(payload))
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (s *TelegramSink) post(ctx context.Context, method, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(method), body)
	if err != nil {
		return Permanent(redact(err, s.Token))
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := s.http().Do(req)
	if err != nil {
		return Transient(redact(err, s.Token), 0)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	var tr telegramResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tr); err != nil && resp.StatusCode == http.StatusOK {
		return Transient(fmt.Errorf("telegram %s: decode response: %w", method, err), 0)
	}
	if resp.StatusCode == http.StatusOK && tr.OK {
		return nil
	}
	return telegramError(method, resp.StatusCode, tr)
}

// telegramError maps a Bot API failure onto the delivery error taxonomy.
func telegramError(method string, status int, tr telegramResponse) error {
	code := tr.ErrorCode
	if code == 0 {
		code = status
	}
	err := fmt.Errorf("telegram %s: %d %s", method, code, tr.Description)
	switch {
	case code == http.StatusTooManyRequests:
		var wait time.Duration
		if tr.Parameters != nil && tr.Parameters.RetryAfter > 0 {
			wait = time.Duration(tr.Parameters.RetryAfter) * time.Second
		}
		return Transient(err, wait)
	case code >= 500:
		return Transient(err, 0)
	case code == http.StatusBadRequest,
		code == http.StatusUnauthorized,
		code == http.StatusForbidden,
		code == http.StatusNotFound:
		return Permanent(err)
	default:
		return Transient(err, 0)
	}
}

// redact keeps the bot token out of logs; url.Error embeds the request URL.
func redact(err error, token string) error {
	if token == "" {
		return err
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return &url.Error{Op: ue.Op, URL: strings.ReplaceAll(ue.URL, token, "<redacted>"), Err: ue.Err}
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<redacted>"))
}
