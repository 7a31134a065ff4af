package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultSmsPilotURL = "https://smspilot.ru/api.php"

	smsPilotProviderName   = "SmsPilot"
	defaultSmsPilotTimeout = 10 * time.Second
	availabilityTimeout    = 3 * time.Second
)

type SmsPilotConfig struct {
	APIKey   string
	BaseURL  string
	TestMode bool
	// RequestsPerSecond throttles outgoing HTTP calls; zero disables the throttle.
	RequestsPerSecond float64
}

type smsPilotResponse struct {
	Error *smsPilotError     `json:"error"`
	Send  []smsPilotSendItem `json:"send"`
}

type smsPilotError struct {
	Code        json.Number `json:"code"`
	Description string      `json:"description"`
}

type smsPilotSendItem struct {
	ServerID json.Number    `json:"server_id"`
	Status   json.Number    `json:"status"`
	Error    *smsPilotError `json:"error"`
}

// SmsPilotGateway delivers messages through the SmsPilot HTTP API. Sends wait
// for a limiter token; the balance probe is not throttled.
type SmsPilotGateway struct {
	client   *resty.Client
	limiter  *rate.Limiter
	apiKey   string
	endpoint string
	testMode bool
	logger   *zap.Logger
}

func NewSmsPilotGateway(cfg SmsPilotConfig, logger *zap.Logger) (*SmsPilotGateway, error) {
	client := resty.New()
	client.SetTimeout(defaultSmsPilotTimeout)

	return NewSmsPilotGatewayWithClient(cfg, client, logger)
}

func NewSmsPilotGatewayWithClient(cfg SmsPilotConfig, client *resty.Client, logger *zap.Logger) (*SmsPilotGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && !cfg.TestMode {
		return nil, fmt.Errorf("smspilot api key is required")
	}

	endpoint := strings.TrimSpace(cfg.BaseURL)
	if endpoint == "" {
		endpoint = DefaultSmsPilotURL
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid smspilot endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSmsPilotTimeout)
	}
	client.SetRetryCount(0)

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(int(cfg.RequestsPerSecond), 1))
	}

	return &SmsPilotGateway{
		client:   client,
		limiter:  limiter,
		apiKey:   apiKey,
		endpoint: endpoint,
		testMode: cfg.TestMode,
		logger:   logger,
	}, nil
}

func (g *SmsPilotGateway) ProviderName() string {
	return smsPilotProviderName
}

func (g *SmsPilotGateway) SendSMS(ctx context.Context, phone string, message string) error {
	if g == nil || g.client == nil {
		return fmt.Errorf("gateway is not initialized")
	}

	if g.testMode {
		g.logger.Info("test mode, sms not sent",
			zap.String("phone", phone),
			zap.Int("length", len([]rune(message))),
		)
		return nil
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return &ProviderError{Message: "smspilot throttle wait aborted", Cause: err}
		}
	}

	response, err := g.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"send":   message,
			"to":     normalizePhone(phone),
			"apikey": g.apiKey,
			"format": "json",
		}).
		Post(g.endpoint)
	if err != nil {
		return &ProviderError{
			Message:   "smspilot request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return &ProviderError{Message: "smspilot returned empty response", Transient: true}
	}

	statusCode := response.StatusCode()
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return &ProviderError{
			StatusCode: statusCode,
			Message:    fmt.Sprintf("smspilot returned status %d", statusCode),
			Transient:  isTransientHTTPStatus(statusCode),
		}
	}

	var body smsPilotResponse
	if err := json.Unmarshal(response.Body(), &body); err != nil {
		return &ProviderError{
			StatusCode: statusCode,
			Message:    "unexpected smspilot response format",
			Cause:      err,
		}
	}

	if body.Error != nil {
		return &ProviderError{
			StatusCode: statusCode,
			Message:    fmt.Sprintf("smspilot api error: %s (code: %s)", body.Error.Description, body.Error.Code),
		}
	}
	if len(body.Send) == 0 {
		return &ProviderError{StatusCode: statusCode, Message: "unexpected smspilot response format"}
	}

	result := body.Send[0]
	if result.Status.String() != "0" {
		description := "unknown error"
		if result.Error != nil && strings.TrimSpace(result.Error.Description) != "" {
			description = result.Error.Description
		}
		return &ProviderError{
			StatusCode: statusCode,
			Message:    "failed to send sms: " + description,
		}
	}

	g.logger.Debug("sms accepted by smspilot",
		zap.String("phone", phone),
		zap.String("serverId", result.ServerID.String()),
	)
	return nil
}

// IsAvailable probes the balance endpoint with a short timeout.
func (g *SmsPilotGateway) IsAvailable(ctx context.Context) bool {
	if g == nil || g.client == nil {
		return false
	}
	if g.testMode {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()

	response, err := g.client.R().
		SetContext(probeCtx).
		SetQueryParams(map[string]string{
			"apikey":  g.apiKey,
			"balance": "json",
		}).
		Get(g.endpoint)
	if err != nil {
		g.logger.Warn("smspilot unavailable", zap.Error(err))
		return false
	}

	return response.StatusCode() == http.StatusOK
}
