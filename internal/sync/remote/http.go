package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/logging"
	"github.com/dukanx/backend/internal/models"
)

// ApplyPath is the sync API endpoint for single conditional writes.
const ApplyPath = "/api/v1/sync/apply"

// HTTPConfig configures an HTTPTarget.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

// HTTPTarget applies writes through the business sync API.
//
// Status mapping: 200 applied, 409 conflict, 404 not found, 401/403 auth
// failure, 429 and 5xx transient, any other status permanent.
type HTTPTarget struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPTarget creates an HTTPTarget.
func NewHTTPTarget(cfg HTTPConfig) (*HTTPTarget, error) {
	if cfg.BaseURL == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "http remote base url is required")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPTarget{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
	}, nil
}

// applyResponse is the body returned on 200 and 409.
type applyResponse struct {
	Version     int64  `json:"version"`
	PayloadHash string `json:"payload_sha256,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Apply implements RemoteSyncTarget.
func (t *HTTPTarget) Apply(ctx context.Context, req models.ApplyRequest) (models.ApplyResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return models.ApplyResult{}, apperrors.Wrap(apperrors.ErrPermanentRemote, "encode apply request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+ApplyPath, bytes.NewReader(body))
	if err != nil {
		return models.ApplyResult{}, apperrors.Wrap(apperrors.ErrPermanentRemote, "build apply request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return models.ApplyResult{}, apperrors.Wrap(apperrors.ErrSyncTimeout, "sync api timed out", err)
		}
		return models.ApplyResult{}, apperrors.Wrap(apperrors.ErrTransientRemote, "sync api unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.ApplyResult{}, apperrors.Wrap(apperrors.ErrTransientRemote, "read sync api response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var out applyResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return models.ApplyResult{}, apperrors.Wrap(apperrors.ErrTransientRemote, "decode sync api response", err)
		}
		if out.Version == 0 {
			out.Version = req.ExpectedVersion
		}
		return models.ApplyResult{Status: models.ApplyApplied, NewVersion: out.Version}, nil

	case resp.StatusCode == http.StatusConflict:
		var out applyResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return models.ApplyResult{}, apperrors.Wrap(apperrors.ErrTransientRemote, "decode conflict response", err)
		}
		return models.ApplyResult{
			Status:            models.ApplyConflict,
			RemoteVersion:     out.Version,
			RemotePayloadHash: out.PayloadHash,
		}, nil

	case resp.StatusCode == http.StatusNotFound:
		return models.ApplyResult{Status: models.ApplyNotFound}, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		logging.Warn("Sync api rejected credentials", map[string]interface{}{
			"status": resp.StatusCode,
		})
		return models.ApplyResult{}, apperrors.Wrap(apperrors.ErrPermanentRemote, "sync api auth",
			apperrors.New(apperrors.ErrSyncAuthFailed, statusMessage(resp.StatusCode, data)))

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return models.ApplyResult{}, apperrors.New(apperrors.ErrTransientRemote, statusMessage(resp.StatusCode, data))

	default:
		return models.ApplyResult{}, apperrors.New(apperrors.ErrPermanentRemote, statusMessage(resp.StatusCode, data))
	}
}

// maxMessageBytes bounds the server message kept in LastError.
const maxMessageBytes = 200

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func statusMessage(status int, body []byte) string {
	msg := strings.TrimSpace(string(body))
	var parsed applyResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		msg = parsed.Message
	}
	msg = truncate(msg, maxMessageBytes)
	if msg == "" {
		return fmt.Sprintf("sync api returned %d", status)
	}
	return fmt.Sprintf("sync api returned %d: %s", status, msg)
}
