package mailbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/nhle/mailtriage/internal/model"
)

// SecretStore is the subset of the credential vault used for tokens and
// passwords.
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// LoadOAuthConfig reads the OAuth client secret JSON downloaded from the
// Google Cloud console. The modify scope covers archive and trash.
func LoadOAuthConfig(path string) (*oauth2.Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client secret %s: %w", path, err)
	}
	cfg, err := google.ConfigFromJSON(b, gmailv1.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing oauth client secret: %w", err)
	}
	return cfg, nil
}

// LoadToken reads a stored OAuth token.
func LoadToken(secrets SecretStore, key string) (*oauth2.Token, error) {
	raw, err := secrets.Get(key)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("decoding token %q: %w", key, err)
	}
	return &tok, nil
}

// SaveToken stores an OAuth token.
func SaveToken(secrets SecretStore, key string, tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	return secrets.Set(key, string(b))
}

// persistingTokenSource writes every newly minted token back to the
// secret store. A failed write is logged and the token is still used.
type persistingTokenSource struct {
	base    oauth2.TokenSource
	secrets SecretStore
	key     string
	logger  *zap.SugaredLogger

	mu   sync.Mutex
	last string
}

// NewPersistingTokenSource returns a token source that refreshes tok
// through cfg and persists refreshed tokens under key.
func NewPersistingTokenSource(
	ctx context.Context,
	cfg *oauth2.Config,
	tok *oauth2.Token,
	secrets SecretStore,
	key string,
	logger *zap.SugaredLogger,
) oauth2.TokenSource {
	return newPersisting(cfg.TokenSource(ctx, tok), tok, secrets, key, logger)
}

func newPersisting(
	base oauth2.TokenSource,
	initial *oauth2.Token,
	secrets SecretStore,
	key string,
	logger *zap.SugaredLogger,
) *persistingTokenSource {
	ts := &persistingTokenSource{base: base, secrets: secrets, key: key, logger: logger}
	if initial != nil {
		ts.last = initial.AccessToken
	}
	return ts
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, &AuthError{Provider: model.ProviderGmail, Address: p.key, Message: err.Error()}
	}

	p.mu.Lock()
	changed := tok.AccessToken != p.last
	if changed {
		p.last = tok.AccessToken
	}
	p.mu.Unlock()

	if changed {
		if err := SaveToken(p.secrets, p.key, tok); err != nil {
			p.logger.Warnw("persisting refreshed token failed", "key", p.key, "error", err)
		}
	}
	return tok, nil
}

// Authorize runs the installed-app OAuth flow. It listens on a loopback
// port for the redirect and falls back to a pasted code or redirect URL
// read from in.
func Authorize(ctx context.Context, cfg *oauth2.Config, out io.Writer, in io.Reader) (*oauth2.Token, error) {
	codeCh := make(chan string, 1)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err == nil {
		port := ln.Addr().(*net.TCPAddr).Port
		local := *cfg
		local.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/", port)
		cfg = &local

		mux := http.NewServeMux()
		srv := &http.Server{ReadHeaderTimeout: 5 * time.Second, Handler: mux}
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			code := r.URL.Query().Get("code")
			if code == "" {
				http.Error(w, "Missing 'code' parameter", http.StatusBadRequest)
				return
			}
			fmt.Fprintln(w, "Authentication complete. You can close this window.")
			select {
			case codeCh <- code:
			default:
			}
		})
		go func() { _ = srv.Serve(ln) }()
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	authURL := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintln(out, "Open this URL in your browser to authorize mailtriage:")
	fmt.Fprintln(out, authURL)
	fmt.Fprintln(out, "Waiting for the redirect, or paste the code / redirect URL here:")

	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 1024), 1024*1024)
		if sc.Scan() {
			if code, err := codeFromInput(sc.Text()); err == nil {
				select {
				case codeCh <- code:
				default:
				}
			}
		}
	}()

	var code string
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case code = <-codeCh:
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	return tok, nil
}

// codeFromInput accepts either a bare authorization code or the full
// redirect URL containing it.
func codeFromInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("empty authorization code")
	}
	if !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://") {
		return input, nil
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parse redirect URL: %w", err)
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", errors.New("no 'code' parameter found in pasted URL")
	}
	return code, nil
}
