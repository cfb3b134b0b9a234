package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"storyforge/pkg/domain"
)

func toolkitFail(w http.ResponseWriter, message string) {
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 400, "message": message}})
}

func newToolkitServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts:signUp", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] == "taken@example.com" {
			toolkitFail(w, "EMAIL_EXISTS")
			return
		}
		if len(body["password"].(string)) < 6 {
			toolkitFail(w, "WEAK_PASSWORD : Password should be at least 6 characters")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"localId": "u-new", "email": body["email"].(string), "idToken": "id-1", "refreshToken": "r-1", "expiresIn": "3600",
		})
	})
	mux.HandleFunc("/v1/accounts:signInWithPassword", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "api-key" {
			toolkitFail(w, "API_KEY_INVALID")
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret1" {
			toolkitFail(w, "INVALID_LOGIN_CREDENTIALS")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"localId": "u-1", "email": "ada@example.com", "displayName": "Ada", "idToken": "id-2", "refreshToken": "r-2", "expiresIn": "120",
		})
	})
	mux.HandleFunc("/v1/accounts:signInWithIdp", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		postBody, _ := body["postBody"].(string)
		if !strings.Contains(postBody, "id_token=google-id") || !strings.Contains(postBody, "providerId=google.com") {
			toolkitFail(w, "INVALID_IDP_RESPONSE")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"localId": "u-g", "email": "ada@example.com", "idToken": "id-3", "refreshToken": "r-3", "expiresIn": "3600",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("refresh_token") != "r-2" {
			toolkitFail(w, "INVALID_REFRESH_TOKEN")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id_token": "id-2b", "refresh_token": "r-2b", "expires_in": "3600"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestToolkitPasswordFlow(t *testing.T) {
	ctx := context.Background()
	srv := newToolkitServer(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	toolkit := NewToolkit(ToolkitConfig{
		APIKey:         "api-key",
		BaseURL:        srv.URL + "/v1",
		SecureTokenURL: srv.URL + "/token",
		Now:            func() time.Time { return now },
	})

	var last *domain.Identity
	stop := toolkit.Watch(func(ident *domain.Identity) { last = ident })
	defer stop()

	ident, err := toolkit.SignIn(ctx, "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if ident.ID != "u-1" || ident.DisplayName != "Ada" || last == nil || last.ID != "u-1" {
		t.Fatalf("unexpected identity: %+v last=%+v", ident, last)
	}
	token, err := toolkit.IDToken(ctx)
	if err != nil || token != "id-2" {
		t.Fatalf("id token: %q %v", token, err)
	}

	// Within a minute of expiry the token is refreshed.
	now = now.Add(70 * time.Second)
	token, err = toolkit.IDToken(ctx)
	if err != nil || token != "id-2b" {
		t.Fatalf("refreshed id token: %q %v", token, err)
	}

	if err := toolkit.SignOut(ctx); err != nil || last != nil {
		t.Fatalf("sign out: %v last=%+v", err, last)
	}
}

func TestToolkitErrorMapping(t *testing.T) {
	ctx := context.Background()
	srv := newToolkitServer(t)
	toolkit := NewToolkit(ToolkitConfig{APIKey: "api-key", BaseURL: srv.URL + "/v1"})

	if _, err := toolkit.CreateAccount(ctx, "taken@example.com", "secret1"); CodeOf(err) != CodeEmailInUse {
		t.Fatalf("expected email in use, got %v", err)
	}
	if _, err := toolkit.CreateAccount(ctx, "new@example.com", "123"); CodeOf(err) != CodeWeakPassword {
		t.Fatalf("expected weak password, got %v", err)
	}
	if _, err := toolkit.SignIn(ctx, "ada@example.com", "nope"); CodeOf(err) != CodeInvalidCredential {
		t.Fatalf("expected invalid credential, got %v", err)
	}
	if _, err := toolkit.SignInFederated(ctx, ProviderGoogle); CodeOf(err) != CodeOperationNotAllowed {
		t.Fatalf("expected operation not allowed, got %v", err)
	}

	for reason, code := range map[string]string{
		"EMAIL_NOT_FOUND":             CodeUserNotFound,
		"TOO_MANY_ATTEMPTS_TRY_LATER": CodeTooManyRequests,
		"OPERATION_NOT_ALLOWED":       CodeOperationNotAllowed,
		"INVALID_EMAIL":               CodeInvalidEmail,
		"SOMETHING_ELSE":              CodeInternal,
	} {
		if got := CodeOf(toolkitError(reason)); got != code {
			t.Fatalf("%s: expected %s, got %s", reason, code, got)
		}
	}
}

func TestToolkitFederated(t *testing.T) {
	srv := newToolkitServer(t)
	google := &fakeConnector{cred: FederatedCredential{ProviderID: "google.com", Subject: "g", IDToken: "google-id", Name: "Ada G"}}
	toolkit := NewToolkit(ToolkitConfig{
		APIKey:    "api-key",
		BaseURL:   srv.URL + "/v1",
		Federated: map[string]Connector{ProviderGoogle: google},
	})
	ident, err := toolkit.SignInFederated(context.Background(), ProviderGoogle)
	if err != nil {
		t.Fatalf("federated sign in: %v", err)
	}
	if ident.ID != "u-g" || ident.DisplayName != "Ada G" {
		t.Fatalf("unexpected identity: %+v", ident)
	}
}

func TestToolkitNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	toolkit := NewToolkit(ToolkitConfig{APIKey: "k", BaseURL: base})
	if _, err := toolkit.SignIn(context.Background(), "ada@example.com", "secret1"); CodeOf(err) != CodeNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
}
