package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Sentinel-Gate/posguard/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/posguard/internal/domain/session"
)

const (
	tokenPath  = "/auth/v1/token"
	logoutPath = "/auth/v1/logout"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// SignIn exchanges email and password for a session. Role and store come
// from the access token's claims; the session is kept in the session store.
func (c *Client) SignIn(ctx context.Context, email, password string) (*session.Session, error) {
	q := url.Values{"grant_type": {"password"}}
	in := map[string]string{"email": email, "password": password}

	var tok tokenResponse
	if err := c.do(ctx, ratelimit.CategoryAuth, http.MethodPost, tokenPath, q, in, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("sign in: empty access token")
	}

	sess, err := session.FromAccessToken(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if tok.User.ID != "" {
		sess.UserID = tok.User.ID
	}
	if tok.User.Email != "" {
		sess.Email = tok.User.Email
	}
	switch {
	case tok.ExpiresAt > 0:
		sess.ExpiresAt = time.Unix(tok.ExpiresAt, 0).UTC()
	case tok.ExpiresIn > 0 && sess.ExpiresAt.IsZero():
		sess.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC()
	}

	if c.sessions != nil {
		c.sessions.Set(sess)
	}
	c.logger.Info("signed in", "user_id", sess.UserID, "role", sess.Role)
	return sess, nil
}

// SignOut revokes the session at the backend and clears it locally. The
// local session is cleared even when the backend call fails.
func (c *Client) SignOut(ctx context.Context) error {
	if c.sessions == nil {
		return ErrNotSignedIn
	}
	if _, ok := c.sessions.Current(); !ok {
		return ErrNotSignedIn
	}
	err := c.do(ctx, ratelimit.CategoryAuth, http.MethodPost, logoutPath, nil, nil, nil)
	c.sessions.Clear()
	if err != nil {
		c.logger.Warn("backend sign out failed, cleared locally", "error", err)
		return err
	}
	return nil
}
