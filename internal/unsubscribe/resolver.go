// Package unsubscribe finds a message's unsubscribe link and works through
// the page behind it with a headless browser.
package unsubscribe

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/nhle/mailtriage/internal/model"
)

var textLinkPattern = regexp.MustCompile(`(?i)https?://\S*unsubscribe\S*`)

// Resolve returns the unsubscribe URL for msg, or "" if none is found.
// Anchors in the HTML body win over URLs in the plain-text body, which
// win over the List-Unsubscribe header.
func Resolve(msg *model.Message) string {
	if u := linkFromHTML(msg.BodyHTML); u != "" {
		return u
	}
	if u := linkFromText(msg.BodyText); u != "" {
		return u
	}
	return msg.ListUnsubscribe
}

// linkFromHTML returns the href of the first anchor whose href mentions
// "unsubscribe".
func linkFromHTML(body string) string {
	if body == "" {
		return ""
	}
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or malformed input; either way nothing more to scan.
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data != "a" {
				continue
			}
			for _, attr := range tok.Attr {
				if attr.Key != "href" {
					continue
				}
				href := strings.TrimSpace(attr.Val)
				if strings.Contains(strings.ToLower(href), "unsubscribe") {
					return href
				}
			}
		}
	}
}

func linkFromText(body string) string {
	return textLinkPattern.FindString(body)
}
