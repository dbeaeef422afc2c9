// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pinmatch/pinmatch/internal/config"
	"github.com/pinmatch/pinmatch/internal/domain"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
)

type terminalWebhookPayload struct {
	RunID         uuid.UUID            `json:"run_id"`
	Query         string               `json:"query"`
	Phase         domain.RunPhase      `json:"phase"`
	FailureReason domain.FailureReason `json:"failure_reason,omitempty"`
	FinishedAt    time.Time            `json:"finished_at"`
}

// WebhookNotifier posts a signed summary of every finished run to a
// configured endpoint. Delivery is best effort and never fails the run.
type WebhookNotifier struct {
	url        string
	secret     string
	logger     *slog.Logger
	httpClient *http.Client
}

func NewWebhookNotifier(cfg config.NotifyConfig, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &WebhookNotifier{
		url:        strings.TrimSpace(cfg.WebhookURL),
		secret:     cfg.WebhookSecret,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) NotifyTerminal(ctx context.Context, run domain.Run) {
	if n.url == "" || n.httpClient == nil {
		return
	}

	body, err := json.Marshal(terminalWebhookPayload{
		RunID:         run.ID,
		Query:         run.Query,
		Phase:         run.Phase,
		FailureReason: run.FailureReason,
		FinishedAt:    run.UpdatedAt,
	})
	if err != nil {
		n.logger.Error("webhook payload marshal failed",
			"run_id", run.ID,
			"phase", run.Phase,
			"error", err,
		)
		return
	}

	signature := signWebhookPayload(n.secret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			n.logger.Error("webhook request build failed",
				"run_id", run.ID,
				"attempt", attempt,
				"error", err,
			)
			break
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := n.httpClient.Do(req)
		if err != nil {
			lastErr = err
			n.logger.Warn("webhook failure",
				"run_id", run.ID,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				n.logger.Info("webhook delivered",
					"run_id", run.ID,
					"phase", run.Phase,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			n.logger.Warn("webhook failure",
				"run_id", run.ID,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := webhookRetryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				n.logger.Warn("webhook canceled before retry",
					"run_id", run.ID,
					"attempt", attempt,
					"error", ctx.Err(),
				)
				return
			case <-timer.C:
			}
		}
	}

	if lastErr != nil {
		n.logger.Error("webhook retries exhausted",
			"run_id", run.ID,
			"phase", run.Phase,
			"error", lastErr,
		)
	}
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
