package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mentorhub/meet/internal/app"
	"github.com/mentorhub/meet/internal/auth"
	"github.com/mentorhub/meet/internal/config"
	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*auth.Issuer, core.ChannelManager, http.Handler) {
	t.Helper()
	cfg := &config.Config{Mode: "test", Secret: "test-secret"}
	issuer := auth.NewIssuer("test-secret", "meet", time.Hour)
	channels := app.NewChannelManager()
	r := SetupRouter(context.Background(), cfg, Deps{Issuer: issuer, Channels: channels})
	return issuer, channels, r
}

func TestHealthz(t *testing.T) {
	_, _, r := newTestRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestClientTokenCookieIssued(t *testing.T) {
	_, _, r := newTestRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var found bool
	for _, c := range w.Result().Cookies() {
		if c.Name == clientTokenCookie {
			found = true
			assert.Len(t, c.Value, 36)
		}
	}
	assert.True(t, found)
}

func TestIssueToken(t *testing.T) {
	issuer, _, r := newTestRouter(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/channels/room1/token", strings.NewReader(`{"name":"mentor"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "meet", resp.AppID)
	assert.Equal(t, "room1", resp.Channel)

	claims, err := issuer.Verify(resp.Token, "room1")
	require.NoError(t, err)
	assert.Equal(t, "mentor", claims.Name)
}

func TestIssueTokenRejectsLongName(t *testing.T) {
	_, _, r := newTestRouter(t)
	w := httptest.NewRecorder()
	body := `{"name":"` + strings.Repeat("x", domain.MaxUsernameLen+1) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/channels/room1/token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListChannels(t *testing.T) {
	_, channels, r := newTestRouter(t)
	channels.GetOrCreate("b")
	channels.GetOrCreate("a")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/channels", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Channels []core.ChannelInfo `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Channels, 2)
	assert.Equal(t, domain.ChannelName("a"), resp.Channels[0].Name)
}
