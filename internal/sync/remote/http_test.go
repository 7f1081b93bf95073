package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/models"
)

func newTestServer(t *testing.T, status int, body string) (*HTTPTarget, *models.ApplyRequest) {
	t.Helper()
	var got models.ApplyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, ApplyPath, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	target, err := NewHTTPTarget(HTTPConfig{BaseURL: srv.URL + "/", Token: "secret"})
	require.NoError(t, err)
	return target, &got
}

func TestHTTPTarget_statusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		want     models.ApplyStatus
		wantCode apperrors.ErrorCode
	}{
		{"applied", http.StatusOK, `{"version":4}`, models.ApplyApplied, ""},
		{"conflict", http.StatusConflict, `{"version":7,"payload_sha256":"abc"}`, models.ApplyConflict, ""},
		{"not found", http.StatusNotFound, ``, models.ApplyNotFound, ""},
		{"server error", http.StatusBadGateway, `upstream down`, "", apperrors.ErrTransientRemote},
		{"throttled", http.StatusTooManyRequests, ``, "", apperrors.ErrTransientRemote},
		{"bad request", http.StatusBadRequest, `{"message":"total mismatch"}`, "", apperrors.ErrPermanentRemote},
		{"unauthorized", http.StatusUnauthorized, ``, "", apperrors.ErrSyncAuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, got := newTestServer(t, tt.status, tt.body)
			res, err := target.Apply(context.Background(), put("p1", 4, `{"name":"tea"}`))
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.True(t, apperrors.Is(err, tt.wantCode), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, "p1", got.DocumentID)
			assert.EqualValues(t, 4, got.ExpectedVersion)
		})
	}
}

func TestHTTPTarget_conflictBody(t *testing.T) {
	target, _ := newTestServer(t, http.StatusConflict, `{"version":7,"payload_sha256":"abc"}`)
	res, err := target.Apply(context.Background(), put("p1", 4, `{}`))
	require.NoError(t, err)
	assert.EqualValues(t, 7, res.RemoteVersion)
	assert.Equal(t, "abc", res.RemotePayloadHash)
}

func TestHTTPTarget_permanentMessage(t *testing.T) {
	target, _ := newTestServer(t, http.StatusUnprocessableEntity, `{"message":"total mismatch"}`)
	_, err := target.Apply(context.Background(), put("p1", 1, `{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422: total mismatch")
}

func TestHTTPTarget_longMultibyteMessage(t *testing.T) {
	reason := strings.Repeat("बिल की कुल राशि मेल नहीं खाती। ", 20)
	body, err := json.Marshal(map[string]string{"message": reason})
	require.NoError(t, err)

	target, _ := newTestServer(t, http.StatusUnprocessableEntity, string(body))
	_, err = target.Apply(context.Background(), put("p1", 1, `{}`))
	require.Error(t, err)

	msg := err.Error()
	assert.True(t, utf8.ValidString(msg), "error message split a character: %q", msg)
	_, detail, ok := strings.Cut(msg, "422: ")
	require.True(t, ok, msg)
	assert.LessOrEqual(t, len(detail), maxMessageBytes)
	assert.True(t, strings.HasPrefix(reason, detail))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"paid", 10, "paid"},
		{"paid", 2, "pa"},
		{"₹500", 2, ""},
		{"₹500", 3, "₹"},
		{"a₹", 3, "a"},
		{"नमस्ते", 7, "नम"},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		assert.Equal(t, tt.want, got, "truncate(%q, %d)", tt.in, tt.n)
		assert.True(t, utf8.ValidString(got))
	}
}

func TestHTTPTarget_timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	target, err := NewHTTPTarget(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = target.Apply(ctx, put("p1", 1, `{}`))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncTimeout), "got %v", err)
}

func TestNewHTTPTarget_requiresURL(t *testing.T) {
	_, err := NewHTTPTarget(HTTPConfig{})
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncNotConfigured))
}
