package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"qtune/internal/connector/sla"
	"qtune/internal/logger"
)

// WebhookConfig represents webhook configuration
type WebhookConfig struct {
	URL           string        `yaml:"url" env:"URL"`
	Secret        string        `yaml:"secret" env:"SECRET"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RetryCount    int           `yaml:"retry_count"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// WebhookSink 以 JSON POST 投递告警；配置了 secret 时带 HMAC 签名
type WebhookSink struct {
	config WebhookConfig
	client *http.Client
	log    logger.Logger
}

// webhookPayload 请求体
type webhookPayload struct {
	Source string  `json:"source"`
	SentAt int64   `json:"sent_at"`
	Alerts []Alert `json:"alerts"`
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(config WebhookConfig, log logger.Logger) *WebhookSink {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = time.Second
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &WebhookSink{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		log:    log,
	}
}

// Publish posts the batch, retrying on transport errors and 5xx responses
func (w *WebhookSink) Publish(ctx context.Context, events []sla.Event) error {
	if len(events) == 0 {
		return nil
	}
	payload := webhookPayload{Source: "qtune", SentAt: time.Now().UnixMilli(), Alerts: make([]Alert, 0, len(events))}
	for _, e := range events {
		payload.Alerts = append(payload.Alerts, FromEvent(e))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i <= w.config.RetryCount; i++ {
		retry, err := w.send(ctx, body, payload.SentAt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || i == w.config.RetryCount {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.config.RetryInterval):
		}
	}
	w.log.Warn("Webhook delivery failed", "url", w.config.URL, "events", len(events), "error", lastErr)
	return lastErr
}

func (w *WebhookSink) send(ctx context.Context, body []byte, ts int64) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.config.Secret != "" {
		req.Header.Set("X-Qtune-Timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("X-Qtune-Signature", Sign(w.config.Secret, ts, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode >= 500, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return false, nil
}

// Sign returns base64(hmac_sha256(secret, "<ts>\n<body>"))
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10) + "\n"))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
