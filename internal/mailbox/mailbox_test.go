package mailbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/nhle/mailtriage/internal/credential"
	"github.com/nhle/mailtriage/internal/fault"
	"github.com/nhle/mailtriage/internal/model"
)

const multipartMessage = "From: Shop <news@shop.example>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: =?UTF-8?Q?Caf=C3=A9_deals?=\r\n" +
	"Date: Mon, 02 Mar 2026 10:00:00 +0000\r\n" +
	"List-Unsubscribe: <mailto:u@shop.example>, <https://shop.example/u?id=1>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"Hello caf=C3=A9\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Hello</p>\r\n" +
	"--b1--\r\n"

func TestParseRFC822(t *testing.T) {
	raw, err := parseRFC822([]byte(multipartMessage))
	if err != nil {
		t.Fatalf("parseRFC822: %v", err)
	}

	var subject string
	for _, h := range raw.Headers {
		if strings.EqualFold(h.Name, "subject") {
			subject = h.Value
		}
	}
	if subject != "Café deals" {
		t.Errorf("subject = %q; want decoded encoded-word", subject)
	}
	if want := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC); !raw.InternalDate.Equal(want) {
		t.Errorf("date = %v; want %v", raw.InternalDate, want)
	}

	if raw.Payload == nil || len(raw.Payload.Parts) != 2 {
		t.Fatalf("payload = %+v; want 2 leaf parts", raw.Payload)
	}
	plain, _ := base64.URLEncoding.DecodeString(raw.Payload.Parts[0].Data)
	if raw.Payload.Parts[0].MimeType != "text/plain" || !strings.Contains(string(plain), "Hello café") {
		t.Errorf("plain part = %q (%s)", plain, raw.Payload.Parts[0].MimeType)
	}
	if raw.Payload.Parts[1].MimeType != "text/html" {
		t.Errorf("second part type = %s", raw.Payload.Parts[1].MimeType)
	}
}

func TestParseRFC822Empty(t *testing.T) {
	if _, err := parseRFC822(nil); !fault.Is(err, fault.KindContentParse) {
		t.Errorf("err = %v; want ContentParse", err)
	}
}

func TestCodeFromInput(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "  4/abc  ", want: "4/abc"},
		{in: "http://127.0.0.1:5555/?state=state-token&code=xyz", want: "xyz"},
		{in: "https://example.com/?state=s", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := codeFromInput(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("codeFromInput(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("codeFromInput(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

type sequenceSource struct {
	tokens []*oauth2.Token
	i      int
}

func (s *sequenceSource) Token() (*oauth2.Token, error) {
	if s.i >= len(s.tokens) {
		return nil, errors.New("refresh revoked")
	}
	tok := s.tokens[s.i]
	s.i++
	return tok, nil
}

func TestPersistingTokenSourceSavesRefreshedTokens(t *testing.T) {
	vault := credential.New(keyring.NewArrayKeyring(nil))
	initial := &oauth2.Token{AccessToken: "a1", RefreshToken: "r"}
	base := &sequenceSource{tokens: []*oauth2.Token{
		initial,
		{AccessToken: "a2", RefreshToken: "r"},
	}}
	ts := newPersisting(base, initial, vault, "gmail-token:a@example.com", zap.NewNop().Sugar())

	if _, err := ts.Token(); err != nil {
		t.Fatal(err)
	}
	if _, err := vault.Get("gmail-token:a@example.com"); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("unchanged token should not be written; got err = %v", err)
	}

	if _, err := ts.Token(); err != nil {
		t.Fatal(err)
	}
	stored, err := LoadToken(vault, "gmail-token:a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if stored.AccessToken != "a2" {
		t.Errorf("stored access token = %q; want a2", stored.AccessToken)
	}

	if _, err := ts.Token(); !IsAuthError(err) {
		t.Errorf("failed refresh err = %v; want AuthError", err)
	}
}

func newTestGmail(t *testing.T, handler http.HandlerFunc) *GmailClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"})
	c, err := NewGmailClient(context.Background(), "a@example.com", ts, zap.NewNop().Sugar(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("NewGmailClient: %v", err)
	}
	return c
}

func TestGmailListUnreadQuery(t *testing.T) {
	var gotQuery, gotMax string
	c := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotMax = r.URL.Query().Get("maxResults")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"m1","threadId":"t1"},{"id":"m2","threadId":"t2"}]}`))
	})

	refs, err := c.ListUnread(context.Background(), 50)
	if err != nil {
		t.Fatalf("ListUnread: %v", err)
	}
	if gotQuery != "is:unread -in:trash" || gotMax != "50" {
		t.Errorf("q = %q maxResults = %q", gotQuery, gotMax)
	}
	if len(refs) != 2 || refs[0].ID != "m1" || refs[1].ThreadID != "t2" {
		t.Errorf("refs = %+v", refs)
	}
}

func TestGmailGetFullConvertsTree(t *testing.T) {
	c := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "full" {
			t.Errorf("format = %q; want full", r.URL.Query().Get("format"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"m1","threadId":"t1","internalDate":"1772445600000",
			"payload":{"mimeType":"multipart/alternative",
				"headers":[{"name":"From","value":"A <a@x.com>"}],
				"parts":[{"mimeType":"text/plain","body":{"data":"aGk"}}]}}`))
	})

	raw, err := c.GetFull(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetFull: %v", err)
	}
	if len(raw.Headers) != 1 || raw.Headers[0].Value != "A <a@x.com>" {
		t.Errorf("headers = %+v", raw.Headers)
	}
	if raw.Payload == nil || len(raw.Payload.Parts) != 1 || raw.Payload.Parts[0].Data != "aGk" {
		t.Errorf("payload = %+v", raw.Payload)
	}
	if raw.InternalDate.UnixMilli() != 1772445600000 {
		t.Errorf("internal date = %v", raw.InternalDate)
	}
}

func TestGmailErrorClassification(t *testing.T) {
	tests := []struct {
		status   int
		wantAuth bool
		wantKind fault.Kind
	}{
		{status: http.StatusUnauthorized, wantAuth: true},
		{status: http.StatusNotFound, wantKind: fault.KindNotFound},
		{status: http.StatusServiceUnavailable, wantKind: fault.KindTransientExternal},
	}
	for _, tt := range tests {
		c := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.status)
			_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"boom"}}`, tt.status)
		})
		err := c.Archive(context.Background(), "m1")
		if err == nil {
			t.Errorf("status %d: expected error", tt.status)
			continue
		}
		if tt.wantAuth {
			if !IsAuthError(err) {
				t.Errorf("status %d: err = %v; want AuthError", tt.status, err)
			}
			continue
		}
		if got := fault.KindOf(err); got != tt.wantKind {
			t.Errorf("status %d: kind = %q; want %q", tt.status, got, tt.wantKind)
		}
	}
}

func TestIMAPConfigFromSettings(t *testing.T) {
	acct := &model.Account{
		Address:  "me@example.com",
		Provider: model.ProviderIMAP,
		Settings: model.Settings{"host": "imap.example.com", "tls": "false"},
	}
	cfg := IMAPConfigFromSettings(acct, "pw")
	if cfg.Host != "imap.example.com" || cfg.Port != "993" || cfg.TLS || cfg.Username != "me@example.com" || cfg.Password != "pw" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func newIMAPTestServer(t *testing.T, messages ...string) string {
	t.Helper()

	mem := imapmemserver.New()
	user := imapmemserver.NewUser("me@example.com", "pw")
	for _, name := range []string{"INBOX", "Archive"} {
		if err := user.Create(name, nil); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	for _, m := range messages {
		if _, err := user.Append("INBOX", bytes.NewReader([]byte(m)), &imap.AppendOptions{}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	mem.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps:         imap.CapSet{imap.CapIMAP4rev1: {}, imap.CapIMAP4rev2: {}},
		InsecureAuth: true,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Close() })
	return ln.Addr().String()
}

func TestIMAPReusesSession(t *testing.T) {
	addr := newIMAPTestServer(t,
		"From: a@example.com\r\nSubject: one\r\n\r\nfirst\r\n",
		"From: b@example.com\r\nSubject: two\r\n\r\nsecond\r\n",
	)
	host, port, _ := net.SplitHostPort(addr)

	c := NewIMAPClient(IMAPConfig{Host: host, Port: port, Username: "me@example.com", Password: "pw"}, zap.NewNop().Sugar())
	var dials int
	c.dial = func(addr string) (*imapclient.Client, error) {
		dials++
		return imapclient.DialInsecure(addr, nil)
	}
	ctx := context.Background()

	refs, err := c.ListUnread(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnread: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("refs = %+v", refs)
	}
	for _, ref := range refs {
		if _, err := c.GetFull(ctx, ref.ID); err != nil {
			t.Fatalf("GetFull %s: %v", ref.ID, err)
		}
	}
	if err := c.Archive(ctx, refs[0].ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if dials != 1 {
		t.Errorf("dials = %d; want one session for the whole run", dials)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	refs, err = c.ListUnread(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnread after Close: %v", err)
	}
	if len(refs) != 1 || dials != 2 {
		t.Errorf("after Close: refs = %+v, dials = %d", refs, dials)
	}
	_ = c.Close()
}
