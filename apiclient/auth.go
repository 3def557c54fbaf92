package apiclient

import (
	"context"
	"errors"

	"github.com/go-authgate/session-cli/apierr"
	"github.com/go-authgate/session-cli/session"
)

// Auth endpoints, relative to the base URL.
const (
	SignInPath  = "/user/signin"
	SignOutPath = "/user/signout"
)

type signInRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

// SignInResult is the metadata of a successful sign-in.
type SignInResult struct {
	Session struct {
		DeviceID   string `json:"deviceId"`
		DeviceType string `json:"deviceType"`
		RememberMe bool   `json:"rememberMe"`
	} `json:"session"`
	Tokens struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"`
		TokenType   string `json:"tokenType"`
	} `json:"tokens"`
	User session.User `json:"user"`
}

var errNoAccessToken = errors.New("sign-in response carried no access token")

// SignIn exchanges credentials for a session. The refresh cookie set by the
// server is kept by the client's cookie jar.
func (c *Client) SignIn(ctx context.Context, email, password string, remember bool) (*SignInResult, error) {
	var env Envelope[SignInResult]
	err := c.Post(ctx, SignInPath, signInRequest{
		Email:      email,
		Password:   password,
		RememberMe: remember,
	}, &env, WithoutRefresh())
	if err != nil {
		return nil, err
	}

	res := &env.Metadata
	if res.Tokens.AccessToken == "" {
		e := &apierr.Error{Kind: apierr.KindRequestFailed, Message: apierr.MsgRequestFailed, Err: errNoAccessToken}
		c.notifier.Notify(e)
		return nil, e
	}

	c.store.SetSession(ctx, res.Tokens.AccessToken, &res.User, remember)
	c.logger.Info("signed in", "user_id", res.User.ID, "remember", remember)
	return res, nil
}

// SignOut tells the server to end the session and then clears it locally.
// The local session is cleared even when the server call fails; that error
// is still returned.
func (c *Client) SignOut(ctx context.Context, allDevices bool) error {
	err := c.Post(ctx, SignOutPath, map[string]bool{"allDevices": allDevices}, nil,
		WithoutRefresh(), withoutNotice())
	if err != nil {
		c.logger.Warn("server sign-out failed", "error", err)
	}

	sctx, cancel := c.detached(ctx)
	defer cancel()
	c.store.ClearSession(sctx)
	c.jar.Clear(sctx)
	return err
}

// CurrentUser returns the signed-in user, or nil.
func (c *Client) CurrentUser(ctx context.Context) *session.User {
	return c.store.User(ctx)
}

// IsAuthenticated reports whether a token and user are both stored.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	return c.store.IsAuthenticated(ctx)
}
