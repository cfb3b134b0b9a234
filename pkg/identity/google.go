package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storyforge/internal/util"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

	// ProviderGoogle is the federated provider name accepted by SignInFederated.
	ProviderGoogle = "google"
)

// FederatedCredential is what a Connector learns about the user.
type FederatedCredential struct {
	ProviderID  string
	Subject     string
	Email       string
	Name        string
	Picture     string
	IDToken     string
	AccessToken string
}

// Connector runs one interactive federated sign-in.
type Connector interface {
	Authenticate(ctx context.Context) (FederatedCredential, error)
}

// GoogleConfig configures the Google OAuth connector.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	Popup        Popup

	// Overridable endpoints for tests.
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	HTTPClient  *http.Client
}

// GoogleConnector signs users in with the OAuth authorization code flow,
// handing the consent page to a Popup.
type GoogleConnector struct {
	config GoogleConfig
}

func NewGoogleConnector(config GoogleConfig) *GoogleConnector {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &GoogleConnector{config: config}
}

// LoginURL builds the consent page URL.
func (g *GoogleConnector) LoginURL(state, redirectURL string) string {
	params := url.Values{
		"client_id":     {g.config.ClientID},
		"redirect_uri":  {redirectURL},
		"response_type": {"code"},
		"scope":         {"openid email profile"},
		"state":         {state},
		"prompt":        {"select_account"},
	}
	return g.config.AuthURL + "?" + params.Encode()
}

func (g *GoogleConnector) Authenticate(ctx context.Context) (FederatedCredential, error) {
	if strings.TrimSpace(g.config.ClientID) == "" || g.config.Popup == nil {
		return FederatedCredential{}, newError(CodeOperationNotAllowed, "google sign-in is not configured", nil)
	}
	state := util.NewID()
	result, err := g.config.Popup.Open(ctx, func(redirectURL string) string {
		return g.LoginURL(state, redirectURL)
	})
	if err != nil {
		return FederatedCredential{}, err
	}
	if e := result.Params.Get("error"); e != "" {
		if e == "access_denied" {
			return FederatedCredential{}, newError(CodePopupClosed, "", errors.New(e))
		}
		return FederatedCredential{}, oauthError(e, result.Params.Get("error_description"))
	}
	if result.Params.Get("state") != state {
		return FederatedCredential{}, newError(CodeInternal, "oauth state mismatch", nil)
	}
	code := result.Params.Get("code")
	if code == "" {
		return FederatedCredential{}, newError(CodeInternal, "oauth response has no code", nil)
	}

	token, err := g.exchangeToken(ctx, code, result.RedirectURL)
	if err != nil {
		return FederatedCredential{}, err
	}
	info, err := g.fetchUserInfo(ctx, token.AccessToken)
	if err != nil {
		return FederatedCredential{}, err
	}
	return FederatedCredential{
		ProviderID:  "google.com",
		Subject:     info.Sub,
		Email:       info.Email,
		Name:        info.Name,
		Picture:     info.Picture,
		IDToken:     token.IDToken,
		AccessToken: token.AccessToken,
	}, nil
}

type googleTokenResponse struct {
	AccessToken      string `json:"access_token"`
	IDToken          string `json:"id_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type googleUserInfo struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

func (g *GoogleConnector) exchangeToken(ctx context.Context, code, redirectURL string) (*googleTokenResponse, error) {
	data := url.Values{
		"code":          {code},
		"client_id":     {g.config.ClientID},
		"client_secret": {g.config.ClientSecret},
		"redirect_uri":  {redirectURL},
		"grant_type":    {"authorization_code"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, status, err := g.do(req)
	if err != nil {
		return nil, err
	}
	var tokenResp googleTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil && status == http.StatusOK {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if status != http.StatusOK || tokenResp.Error != "" {
		if tokenResp.ErrorDescription == "" {
			tokenResp.ErrorDescription = fmt.Sprintf("(status %d)", status)
		}
		return nil, oauthError(tokenResp.Error, tokenResp.ErrorDescription)
	}
	if tokenResp.AccessToken == "" {
		return nil, newError(CodeInternal, "empty access token in response", nil)
	}
	return &tokenResp, nil
}

func (g *GoogleConnector) fetchUserInfo(ctx context.Context, accessToken string) (*googleUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.config.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	body, status, err := g.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, newError(CodeInternal, fmt.Sprintf("user info fetch failed with status %d", status), nil)
	}
	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse user info response: %w", err)
	}
	if info.Sub == "" {
		return nil, newError(CodeInternal, "empty sub in user info response", nil)
	}
	return &info, nil
}

func (g *GoogleConnector) do(req *http.Request) ([]byte, int, error) {
	resp, err := g.config.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, newError(CodeNetwork, "", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, newError(CodeNetwork, "", err)
	}
	return body, resp.StatusCode, nil
}

func oauthError(code, description string) error {
	err := errors.New(strings.TrimSpace(code + " " + description))
	switch code {
	case "redirect_uri_mismatch", "origin_mismatch":
		return newError(CodeUnauthorizedDomain, "", err)
	case "invalid_client", "unauthorized_client", "disabled_client":
		return newError(CodeOperationNotAllowed, "", err)
	case "access_denied":
		return newError(CodePopupClosed, "", err)
	case "slow_down", "rate_limit_exceeded":
		return newError(CodeTooManyRequests, "", err)
	default:
		return newError(CodeInternal, "", err)
	}
}

var _ Connector = (*GoogleConnector)(nil)
