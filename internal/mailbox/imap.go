package mailbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/nhle/mailtriage/internal/fault"
	"github.com/nhle/mailtriage/internal/model"
)

const inbox = "INBOX"

// Common folder names tried in order when the account settings name none.
var (
	archiveFolders = []string{"Archive", "[Gmail]/All Mail", "Archives", "INBOX.Archive"}
	trashFolders   = []string{"Trash", "[Gmail]/Trash", "Deleted Items", "Deleted Messages", "INBOX.Trash"}
)

// IMAPConfig holds connection settings for an IMAP account.
type IMAPConfig struct {
	Host          string
	Port          string
	Username      string
	Password      string
	TLS           bool
	ArchiveFolder string
	TrashFolder   string
}

// IMAPConfigFromSettings reads host, port, tls, username, archive_folder
// and trash_folder from account settings. Username defaults to the address.
func IMAPConfigFromSettings(account *model.Account, password string) IMAPConfig {
	s := account.Settings
	cfg := IMAPConfig{
		Host:          s["host"],
		Port:          s["port"],
		Username:      s["username"],
		Password:      password,
		TLS:           s["tls"] != "false",
		ArchiveFolder: s["archive_folder"],
		TrashFolder:   s["trash_folder"],
	}
	if cfg.Port == "" {
		cfg.Port = "993"
	}
	if cfg.Username == "" {
		cfg.Username = account.Address
	}
	return cfg
}

// IMAPClient wraps go-imap v2 for one mailbox. The first operation logs
// in and the session is reused until Close; a dropped connection is
// redialed on the next call. Message ids are INBOX UIDs.
type IMAPClient struct {
	cfg    IMAPConfig
	logger *zap.SugaredLogger
	dial   func(addr string) (*imapclient.Client, error)

	mu   sync.Mutex
	conn *imapclient.Client
}

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(cfg IMAPConfig, logger *zap.SugaredLogger) *IMAPClient {
	c := &IMAPClient{cfg: cfg, logger: logger}
	c.dial = func(addr string) (*imapclient.Client, error) {
		if c.cfg.TLS {
			return imapclient.DialTLS(addr, nil)
		}
		return imapclient.DialStartTLS(addr, nil)
	}
	return c
}

// session returns the logged-in connection, dialing when there is none or
// the server closed it. c.mu must be held.
func (c *IMAPClient) session(ctx context.Context) (*imapclient.Client, error) {
	if c.conn != nil {
		select {
		case <-c.conn.Closed():
			c.conn = nil
		default:
			return c.conn, nil
		}
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// drop discards a connection whose state is no longer known. c.mu must be
// held.
func (c *IMAPClient) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close logs out of the open session, if any.
func (c *IMAPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Logout().Wait()
	_ = c.conn.Close()
	c.conn = nil
	return err
}

// connect dials, authenticates and selects INBOX.
func (c *IMAPClient) connect(_ context.Context) (*imapclient.Client, error) {
	addr := c.cfg.Host + ":" + c.cfg.Port

	client, err := c.dial(addr)
	if err != nil {
		return nil, fault.New(fault.KindTransientExternal, "imap connect", fmt.Errorf("connecting to %s: %w", addr, err))
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			Provider: model.ProviderIMAP,
			Address:  c.cfg.Username,
			Message:  fmt.Sprintf("login failed: %v", err),
		}
	}

	if _, err := client.Select(inbox, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fault.New(fault.KindTransientExternal, "imap select", err)
	}

	return client, nil
}

func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fault.New(fault.KindNotFound, "imap uid", fmt.Errorf("invalid message id %q", id))
	}
	return imap.UID(n), nil
}

// ListUnread returns the most recent max messages without \Seen or \Deleted.
func (c *IMAPClient) ListUnread(ctx context.Context, max int) ([]Ref, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	client, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen, imap.FlagDeleted},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		c.drop()
		return nil, fault.New(fault.KindTransientExternal, "imap search", err)
	}

	uids := searchData.AllUIDs()
	if max > 0 && len(uids) > max {
		uids = uids[len(uids)-max:]
	}

	refs := make([]Ref, 0, len(uids))
	for i := len(uids) - 1; i >= 0; i-- {
		refs = append(refs, Ref{ID: strconv.FormatUint(uint64(uids[i]), 10)})
	}
	return refs, nil
}

// GetFull fetches the full RFC 822 message without setting \Seen and
// converts it to a MIME tree with base64url-encoded leaf bodies.
func (c *IMAPClient) GetFull(ctx context.Context, id string) (*RawMessage, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	client, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fault.Newf(fault.KindNotFound, "imap fetch", "message UID %d not found", uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		c.drop()
		return nil, fault.New(fault.KindTransientExternal, "imap fetch", err)
	}
	if err := fetchCmd.Close(); err != nil {
		c.drop()
		return nil, fault.New(fault.KindTransientExternal, "imap fetch", err)
	}

	raw, err := parseRFC822(buf.FindBodySection(bodySection))
	if err != nil {
		return nil, err
	}
	raw.ID = id
	if raw.InternalDate.IsZero() && buf.Envelope != nil {
		raw.InternalDate = buf.Envelope.Date
	}
	return raw, nil
}

// parseRFC822 reads a message with go-message. Transfer encodings and
// charsets are decoded; every inline text part becomes a leaf of a
// multipart/mixed payload in reading order.
func parseRFC822(body []byte) (*RawMessage, error) {
	if body == nil {
		return nil, fault.Newf(fault.KindContentParse, "imap parse", "empty message body")
	}

	mr, err := mail.CreateReader(bytes.NewReader(body))
	if err != nil && mr == nil {
		return nil, fault.New(fault.KindContentParse, "imap parse", err)
	}
	defer mr.Close()

	raw := &RawMessage{}
	fields := mr.Header.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		raw.Headers = append(raw.Headers, Header{Name: fields.Key(), Value: value})
	}
	if date, err := mr.Header.Date(); err == nil {
		raw.InternalDate = date.UTC()
	}

	root := &Part{MimeType: "multipart/mixed"}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fault.New(fault.KindContentParse, "imap parse", err)
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		contentType = strings.ToLower(contentType)
		if !strings.HasPrefix(contentType, "text/") {
			continue
		}
		data, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fault.New(fault.KindContentParse, "imap parse", err)
		}
		root.Parts = append(root.Parts, &Part{
			MimeType: contentType,
			Data:     base64.URLEncoding.EncodeToString(data),
		})
	}
	raw.Payload = root
	return raw, nil
}

// Archive moves the message out of INBOX into the configured archive
// folder or the first common archive folder that exists.
func (c *IMAPClient) Archive(ctx context.Context, id string) error {
	return c.moveOrDelete(ctx, id, c.cfg.ArchiveFolder, archiveFolders, "imap archive")
}

// Trash moves the message into the trash folder.
func (c *IMAPClient) Trash(ctx context.Context, id string) error {
	return c.moveOrDelete(ctx, id, c.cfg.TrashFolder, trashFolders, "imap trash")
}

// moveOrDelete tries preferred then each fallback folder, finally marking
// the message \Deleted.
func (c *IMAPClient) moveOrDelete(ctx context.Context, id, preferred string, fallbacks []string, op string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	client, err := c.session(ctx)
	if err != nil {
		return err
	}

	uidSet := imap.UIDSetNum(uid)

	folders := fallbacks
	if preferred != "" {
		folders = append([]string{preferred}, fallbacks...)
	}
	for _, folder := range folders {
		if _, err := client.Move(uidSet, folder).Wait(); err == nil {
			return nil
		}
	}

	c.logger.Debugw("no target folder accepted move; flagging deleted", "op", op, "uid", uid)
	storeCmd := client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		c.drop()
		return fault.New(fault.KindTransientExternal, op, err)
	}
	return nil
}

var _ Client = (*IMAPClient)(nil)
