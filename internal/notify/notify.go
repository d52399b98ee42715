// Package notify delivers user-facing notifications about model failures and
// ready optimizations.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/handit-ai/handit-core/internal/config"
	"github.com/handit-ai/handit-core/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
)

// Templates understood by the mail relay.
const (
	TemplateModelFailure      = "model_failure"
	TemplateOptimizationReady = "optimization_ready"
)

// Recipient is a resolved user address.
type Recipient struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
}

// ModelFailure describes a log that turned out incorrect.
type ModelFailure struct {
	CompanyID  uint        `json:"company_id"`
	ModelID    uint        `json:"model_id"`
	ModelName  string      `json:"model_name"`
	LogID      uint        `json:"log_id"`
	AgentLogID *uint       `json:"agent_log_id,omitempty"`
	Error      string      `json:"error,omitempty"`
	Recipients []Recipient `json:"recipients"`
}

// OptimizationReady announces a freshly forked optimized model.
type OptimizationReady struct {
	CompanyID        uint        `json:"company_id"`
	ModelID          uint        `json:"model_id"`
	ModelName        string      `json:"model_name"`
	OptimizedModelID uint        `json:"optimized_model_id"`
	Recipients       []Recipient `json:"recipients"`
}

// Notifier is the delivery collaborator. Callers decide whether to notify;
// implementations decide how.
type Notifier interface {
	SendModelFailure(ctx context.Context, n ModelFailure) error
	SendOptimizationReady(ctx context.Context, n OptimizationReady) error
}

// New returns an HTTPNotifier when an endpoint is configured and a
// LogNotifier otherwise.
func New(cfg config.NotifyConfig, log *zap.Logger) Notifier {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return NewLogNotifier(log)
	}
	return NewHTTPNotifier(cfg, log)
}

// HTTPNotifier posts notifications as JSON to a mail relay.
type HTTPNotifier struct {
	endpoint string
	client   *http.Client
	log      *zap.Logger
}

type envelope struct {
	Template string `json:"template"`
	Data     any    `json:"data"`
}

// NewHTTPNotifier builds a notifier for cfg.Endpoint. When client credentials
// are configured, requests carry a bearer token from cfg.TokenURL.
func NewHTTPNotifier(cfg config.NotifyConfig, log *zap.Logger) *HTTPNotifier {
	client := &http.Client{Timeout: 15 * time.Second}
	if cfg.TokenURL != "" && cfg.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		client = cc.Client(context.Background())
		client.Timeout = 15 * time.Second
	}
	return &HTTPNotifier{endpoint: strings.TrimRight(cfg.Endpoint, "/"), client: client, log: logging.OrNop(log)}
}

func (h *HTTPNotifier) SendModelFailure(ctx context.Context, n ModelFailure) error {
	return h.post(ctx, TemplateModelFailure, len(n.Recipients), n)
}

func (h *HTTPNotifier) SendOptimizationReady(ctx context.Context, n OptimizationReady) error {
	return h.post(ctx, TemplateOptimizationReady, len(n.Recipients), n)
}

func (h *HTTPNotifier) post(ctx context.Context, template string, recipients int, data any) error {
	if recipients == 0 {
		h.log.Debug("notification has no recipients", zap.String("template", template))
		return nil
	}
	body, err := json.Marshal(envelope{Template: template, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", template, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s notification: %w", template, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send %s notification: relay returned %d: %s", template, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	h.log.Info("notification sent", zap.String("template", template), zap.Int("recipients", recipients))
	return nil
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: logging.OrNop(log)}
}

func (l *LogNotifier) SendModelFailure(_ context.Context, n ModelFailure) error {
	l.log.Info("model failure",
		zap.Uint("model_id", n.ModelID),
		zap.Uint("log_id", n.LogID),
		zap.Int("recipients", len(n.Recipients)))
	return nil
}

func (l *LogNotifier) SendOptimizationReady(_ context.Context, n OptimizationReady) error {
	l.log.Info("optimization ready",
		zap.Uint("model_id", n.ModelID),
		zap.Uint("optimized_model_id", n.OptimizedModelID),
		zap.Int("recipients", len(n.Recipients)))
	return nil
}
