package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"
)

// PopupResult is the redirect a consent page sent back.
type PopupResult struct {
	Params      url.Values
	RedirectURL string
}

// Popup shows a consent page and waits for its redirect. buildURL receives
// the redirect URL the page must return to.
type Popup interface {
	Open(ctx context.Context, buildURL func(redirectURL string) string) (PopupResult, error)
}

// LoopbackPopup serves the redirect on a local port and opens the consent
// page in the user's browser. A browser that cannot be launched reports a
// blocked popup; a user who never returns reports a closed popup.
type LoopbackPopup struct {
	// Addr to listen on; defaults to 127.0.0.1:0.
	Addr string
	// Path of the redirect handler; defaults to /oauth/callback.
	Path string
	// Opener shows the URL to the user; defaults to OpenBrowser.
	Opener func(url string) error
	// Timeout bounds the wait for the redirect; defaults to two minutes.
	Timeout time.Duration
}

func (p *LoopbackPopup) Open(ctx context.Context, buildURL func(string) string) (PopupResult, error) {
	addr := p.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	path := p.Path
	if path == "" {
		path = "/oauth/callback"
	}
	opener := p.Opener
	if opener == nil {
		opener = OpenBrowser
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return PopupResult{}, newError(CodePopupBlocked, "", fmt.Errorf("listen for redirect: %w", err))
	}
	redirectURL := "http://" + ln.Addr().String() + path

	results := make(chan url.Values, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		select {
		case results <- r.URL.Query():
		default:
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Sign-in complete. You can close this window."))
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := opener(buildURL(redirectURL)); err != nil {
		return PopupResult{}, newError(CodePopupBlocked, "", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case params := <-results:
		return PopupResult{Params: params, RedirectURL: redirectURL}, nil
	case <-timer.C:
		return PopupResult{}, newError(CodePopupClosed, "", errors.New("timed out waiting for sign-in"))
	case <-ctx.Done():
		return PopupResult{}, newError(CodePopupClosed, "", ctx.Err())
	}
}

// OpenBrowser launches the platform browser on url.
func OpenBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
