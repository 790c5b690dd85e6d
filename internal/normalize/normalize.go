// Package normalize turns provider messages into canonical message records.
package normalize

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nhle/mailtriage/internal/fault"
	"github.com/nhle/mailtriage/internal/mailbox"
	"github.com/nhle/mailtriage/internal/model"
)

var senderPattern = regexp.MustCompile(`^(.+?)\s*<(.+?)>$`)

// Normalize maps a raw provider message to the canonical message fields.
// Ownership fields (ID, AccountID, UserID) are left for the caller.
//
// Parts whose data cannot be decoded are skipped. The best-effort message
// is still returned together with a ContentParse error describing them.
func Normalize(raw *mailbox.RawMessage) (model.Message, error) {
	msg := model.Message{
		ProviderMessageID: raw.ID,
		ThreadID:          raw.ThreadID,
		ReceivedAt:        raw.InternalDate,
		Subject:           Header(raw.Headers, "Subject"),
		ListUnsubscribe:   ListUnsubscribeURL(Header(raw.Headers, "List-Unsubscribe")),
	}
	msg.FromName, msg.FromEmail = ParseSender(Header(raw.Headers, "From"))

	var text, html strings.Builder
	var errs []error
	walk(raw.Payload, &text, &html, &errs)
	msg.BodyText = text.String()
	msg.BodyHTML = html.String()

	if len(errs) > 0 {
		return msg, fault.New(fault.KindContentParse, "normalize "+raw.ID, errors.Join(errs...))
	}
	return msg, nil
}

// Header returns the value of the first header whose name matches name
// case-insensitively, or "".
func Header(headers []mailbox.Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ParseSender splits a From value of the form `Name <email>`. Values that
// do not match yield the raw (trimmed) value for both fields.
func ParseSender(from string) (name, email string) {
	if m := senderPattern.FindStringSubmatch(from); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	}
	from = strings.TrimSpace(from)
	return from, from
}

// ListUnsubscribeURL returns the first HTTP(S) URL in a List-Unsubscribe
// header such as `<https://example.com/unsub>, <mailto:unsub@example.com>`.
func ListUnsubscribeURL(header string) string {
	for _, p := range strings.Split(header, ",") {
		p = strings.TrimSpace(strings.Trim(strings.TrimSpace(p), "<>"))
		lower := strings.ToLower(p)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			return p
		}
	}
	return ""
}

// walk appends every text/plain and text/html leaf in traversal order.
func walk(part *mailbox.Part, text, html *strings.Builder, errs *[]error) {
	if part == nil {
		return
	}

	if part.Data != "" {
		mime := strings.ToLower(part.MimeType)
		if mime == "text/plain" || mime == "text/html" {
			data, err := decodeBase64URL(part.Data)
			if err != nil {
				*errs = append(*errs, fmt.Errorf("%s part: %w", mime, err))
			} else if mime == "text/plain" {
				text.Write(data)
			} else {
				html.Write(data)
			}
		}
	}

	for _, sub := range part.Parts {
		walk(sub, text, html, errs)
	}
}

// decodeBase64URL accepts padded and unpadded base64url.
func decodeBase64URL(data string) ([]byte, error) {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}
