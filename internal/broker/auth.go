package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/justtrades/engine/internal/jterr"
)

// OAuthRefresher exchanges a broker refresh token for a new access token
// over REST, implementing tokencache.Refresher. Kept in broker rather than
// tokencache since only the broker package knows the demo/live token
// endpoints.
type OAuthRefresher struct {
	demoBase string
	liveBase string
	http     *http.Client
	envOf    func(accountID string) string // "demo" or "live"
}

func NewOAuthRefresher(demoBase, liveBase string, envOf func(accountID string) string) *OAuthRefresher {
	return &OAuthRefresher{demoBase: demoBase, liveBase: liveBase, http: &http.Client{Timeout: 10 * time.Second}, envOf: envOf}
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"` // seconds
}

func (r *OAuthRefresher) Refresh(ctx context.Context, accountID, refreshToken string) (string, time.Time, error) {
	base := r.demoBase
	if r.envOf(accountID) == "live" {
		base = r.liveBase
	}

	body, _ := json.Marshal(map[string]string{"accountId": accountID, "refreshToken": refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, jterr.Wrap(jterr.KindTransientIO, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", time.Time{}, jterr.Wrap(jterr.KindTransientIO, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", time.Time{}, jterr.AuthExpired
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, jterr.Wrap(jterr.KindTransientIO, err)
	}
	return out.AccessToken, time.Now().Add(time.Duration(out.ExpiresIn) * time.Second), nil
}
