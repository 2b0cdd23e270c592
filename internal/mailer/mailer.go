// Package mailer sends newsletter emails to a single recipient. Senders
// classify their failures: errors wrapped with Permanent are never retried,
// everything else is treated as transient.
package mailer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"net/mail"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/zeebo/blake3"
)

var ErrInvalidAddress = errors.New("invalid recipient address")

type Message struct {
	From      string
	To        string
	Subject   string
	Text      string
	HTML      string
	MessageID string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// PermanentError marks a failure that will not go away on retry for this
// recipient, such as a rejected mailbox or an inactive address reported by an
// email API.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent delivery failure"
	}
	return "permanent delivery failure: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidAddress) {
		return true
	}
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ParseAddress validates a bare recipient address and returns it normalized.
// Display names are rejected; subscribers store addresses only.
func ParseAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidAddress, raw, err)
	}
	if addr.Name != "" || addr.Address != raw {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return addr.Address, nil
}

// MessageID derives a stable Message-ID for one (issue, subscriber) pair so
// a redelivery after a crash carries the same id and downstream relays can
// deduplicate it.
func MessageID(issueID, subscriberID, domain string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(issueID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(subscriberID))
	sum := h.Sum(nil)
	if domain == "" {
		domain = "newsletterd.local"
	}
	return "<" + hex.EncodeToString(sum[:16]) + "@" + domain + ">"
}

// PlainTextFromHTML renders the visible text of an HTML body. Issues that
// only carry HTML still get a text/plain part.
func PlainTextFromHTML(body string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, h1, h2, h3, h4, h5, h6, tr").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href != "" && strings.TrimSpace(s.Text()) != href {
			s.AppendHtml(" (" + html.EscapeString(href) + ")")
		}
	})

	lines := strings.Split(doc.Text(), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n"), nil
}

// Compose builds the message for one recipient. When text is empty it is
// derived from htmlBody.
func Compose(from, to, subject, text, htmlBody, messageID string) (Message, error) {
	addr, err := ParseAddress(to)
	if err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(text) == "" && htmlBody != "" {
		text, err = PlainTextFromHTML(htmlBody)
		if err != nil {
			return Message{}, fmt.Errorf("derive text body: %w", err)
		}
	}
	return Message{
		From:      from,
		To:        addr,
		Subject:   subject,
		Text:      text,
		HTML:      htmlBody,
		MessageID: messageID,
	}, nil
}
