package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"storyforge/pkg/domain"
)

const (
	defaultToolkitBaseURL    = "https://identitytoolkit.googleapis.com/v1"
	defaultSecureTokenURL    = "https://securetoken.googleapis.com/v1/token"
	toolkitRefreshSkew       = time.Minute
	defaultToolkitRequestURI = "http://localhost"
)

// ToolkitConfig configures the hosted Identity Toolkit provider.
type ToolkitConfig struct {
	APIKey string
	// Federated connectors obtain the provider credential exchanged by
	// accounts:signInWithIdp.
	Federated map[string]Connector

	BaseURL        string
	SecureTokenURL string
	HTTPClient     *http.Client
	Now            func() time.Time
}

// Toolkit talks to the Identity Toolkit REST API.
type Toolkit struct {
	apiKey         string
	baseURL        string
	secureTokenURL string
	httpClient     *http.Client
	federated      map[string]Connector
	now            func() time.Time

	notifier Notifier
	mu       sync.Mutex
	session  toolkitSession
}

type toolkitSession struct {
	idToken      string
	refreshToken string
	expiresAt    time.Time
}

func NewToolkit(cfg ToolkitConfig) *Toolkit {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultToolkitBaseURL
	}
	if cfg.SecureTokenURL == "" {
		cfg.SecureTokenURL = defaultSecureTokenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Toolkit{
		apiKey:         cfg.APIKey,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		secureTokenURL: cfg.SecureTokenURL,
		httpClient:     cfg.HTTPClient,
		federated:      cfg.Federated,
		now:            cfg.Now,
	}
}

type toolkitAuthResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	PhotoURL     string `json:"photoUrl"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

func (t *Toolkit) CreateAccount(ctx context.Context, email, password string) (domain.Identity, error) {
	payload := map[string]any{"email": strings.TrimSpace(email), "password": password, "returnSecureToken": true}
	var resp toolkitAuthResponse
	if err := t.doJSON(ctx, "/accounts:signUp", payload, &resp); err != nil {
		return domain.Identity{}, err
	}
	return t.signedIn(resp)
}

func (t *Toolkit) SignIn(ctx context.Context, email, password string) (domain.Identity, error) {
	payload := map[string]any{"email": strings.TrimSpace(email), "password": password, "returnSecureToken": true}
	var resp toolkitAuthResponse
	if err := t.doJSON(ctx, "/accounts:signInWithPassword", payload, &resp); err != nil {
		return domain.Identity{}, err
	}
	return t.signedIn(resp)
}

func (t *Toolkit) SignInFederated(ctx context.Context, provider string) (domain.Identity, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	connector, ok := t.federated[provider]
	if !ok || connector == nil {
		return domain.Identity{}, newError(CodeOperationNotAllowed, "", fmt.Errorf("provider %q is not enabled", provider))
	}
	cred, err := connector.Authenticate(ctx)
	if err != nil {
		return domain.Identity{}, err
	}
	postBody := url.Values{"providerId": {cred.ProviderID}}
	if cred.IDToken != "" {
		postBody.Set("id_token", cred.IDToken)
	} else {
		postBody.Set("access_token", cred.AccessToken)
	}
	payload := map[string]any{
		"postBody":            postBody.Encode(),
		"requestUri":          defaultToolkitRequestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}
	var resp toolkitAuthResponse
	if err := t.doJSON(ctx, "/accounts:signInWithIdp", payload, &resp); err != nil {
		return domain.Identity{}, err
	}
	if resp.DisplayName == "" {
		resp.DisplayName = cred.Name
	}
	if resp.PhotoURL == "" {
		resp.PhotoURL = cred.Picture
	}
	return t.signedIn(resp)
}

func (t *Toolkit) SignOut(_ context.Context) error {
	t.mu.Lock()
	t.session = toolkitSession{}
	t.mu.Unlock()
	t.notifier.Set(nil)
	return nil
}

// IDToken returns the current id token, refreshing it shortly before expiry.
func (t *Toolkit) IDToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	session := t.session
	t.mu.Unlock()
	if session.idToken == "" {
		return "", newError(CodeNotSignedIn, "", nil)
	}
	if session.refreshToken == "" || t.now().Add(toolkitRefreshSkew).Before(session.expiresAt) {
		return session.idToken, nil
	}
	refreshed, err := t.refresh(ctx, session.refreshToken)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	if t.session.refreshToken == session.refreshToken {
		t.session = refreshed
	}
	t.mu.Unlock()
	return refreshed.idToken, nil
}

func (t *Toolkit) Watch(fn func(*domain.Identity)) func() {
	return t.notifier.Watch(fn)
}

func (t *Toolkit) refresh(ctx context.Context, refreshToken string) (toolkitSession, error) {
	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {refreshToken}}
	endpoint := t.secureTokenURL + "?key=" + url.QueryEscape(t.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return toolkitSession{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var resp struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    string `json:"expires_in"`
	}
	if err := t.send(req, &resp); err != nil {
		return toolkitSession{}, err
	}
	return toolkitSession{
		idToken:      resp.IDToken,
		refreshToken: resp.RefreshToken,
		expiresAt:    t.expiry(resp.ExpiresIn),
	}, nil
}

func (t *Toolkit) signedIn(resp toolkitAuthResponse) (domain.Identity, error) {
	if resp.LocalID == "" || resp.IDToken == "" {
		return domain.Identity{}, newError(CodeInternal, "identity toolkit returned no account", nil)
	}
	ident := domain.Identity{
		ID:          resp.LocalID,
		Email:       resp.Email,
		DisplayName: resp.DisplayName,
		PhotoURL:    resp.PhotoURL,
	}
	t.mu.Lock()
	t.session = toolkitSession{
		idToken:      resp.IDToken,
		refreshToken: resp.RefreshToken,
		expiresAt:    t.expiry(resp.ExpiresIn),
	}
	t.mu.Unlock()
	t.notifier.Set(&ident)
	return ident, nil
}

func (t *Toolkit) expiry(expiresIn string) time.Time {
	secs, err := strconv.Atoi(strings.TrimSpace(expiresIn))
	if err != nil || secs <= 0 {
		secs = 3600
	}
	return t.now().Add(time.Duration(secs) * time.Second)
}

func (t *Toolkit) doJSON(ctx context.Context, path string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := t.baseURL + path + "?key=" + url.QueryEscape(t.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return t.send(req, out)
}

func (t *Toolkit) send(req *http.Request, out any) error {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return newError(CodeNetwork, "", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return newError(CodeNetwork, "", err)
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(body, &errResp)
		msg := errResp.Error.Message
		if msg == "" {
			msg = resp.Status
		}
		return toolkitError(msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode identity toolkit response: %w", err)
	}
	return nil
}

// toolkitError maps messages like "WEAK_PASSWORD : Password should be at
// least 6 characters" to provider codes.
func toolkitError(message string) error {
	reason := message
	if i := strings.Index(reason, ":"); i >= 0 {
		reason = reason[:i]
	}
	reason = strings.TrimSpace(reason)
	err := fmt.Errorf("identity toolkit: %s", message)
	switch reason {
	case "EMAIL_EXISTS":
		return newError(CodeEmailInUse, "", err)
	case "WEAK_PASSWORD":
		return newError(CodeWeakPassword, "", err)
	case "INVALID_EMAIL", "MISSING_EMAIL":
		return newError(CodeInvalidEmail, "", err)
	case "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS", "INVALID_IDP_RESPONSE", "MISSING_PASSWORD":
		return newError(CodeInvalidCredential, "", err)
	case "EMAIL_NOT_FOUND", "USER_NOT_FOUND":
		return newError(CodeUserNotFound, "", err)
	case "TOO_MANY_ATTEMPTS_TRY_LATER":
		return newError(CodeTooManyRequests, "", err)
	case "OPERATION_NOT_ALLOWED", "PASSWORD_LOGIN_DISABLED", "USER_DISABLED":
		return newError(CodeOperationNotAllowed, "", err)
	case "INVALID_REQUEST_URI", "UNAUTHORIZED_DOMAIN":
		return newError(CodeUnauthorizedDomain, "", err)
	case "TOKEN_EXPIRED", "INVALID_REFRESH_TOKEN", "USER_NOT_SIGNED_IN":
		return newError(CodeNotSignedIn, "", err)
	default:
		return newError(CodeInternal, "", err)
	}
}

var _ Provider = (*Toolkit)(nil)
