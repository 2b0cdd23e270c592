package mailer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTokenHeader     = "X-Postmark-Server-Token"
	defaultSignatureHeader = "X-Newsletterd-Signature"
	defaultTimestampHeader = "X-Newsletterd-Timestamp"
)

type HTTPConfig struct {
	// Endpoint is the full URL of the send call, e.g. https://api.postmarkapp.com/email.
	Endpoint    string
	Token       string
	TokenHeader string

	// SigningSecret, when set, adds an HMAC-SHA256 signature over
	// method, path, timestamp and body hash.
	SigningSecret   string
	SignatureHeader string
	TimestampHeader string
}

// HTTPSender posts each message as JSON to an email API.
type HTTPSender struct {
	Client *http.Client
	Config HTTPConfig
	Now    func() time.Time
}

type sendEmailRequest struct {
	From     string            `json:"From"`
	To       string            `json:"To"`
	Subject  string            `json:"Subject"`
	TextBody string            `json:"TextBody"`
	HTMLBody string            `json:"HtmlBody"`
	Headers  []emailHeaderPair `json:"Headers,omitempty"`
}

type emailHeaderPair struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

func NewHTTPSender(client *http.Client, cfg HTTPConfig) (*HTTPSender, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("email api endpoint is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.TokenHeader == "" {
		cfg.TokenHeader = defaultTokenHeader
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = defaultSignatureHeader
	}
	if cfg.TimestampHeader == "" {
		cfg.TimestampHeader = defaultTimestampHeader
	}
	client.CheckRedirect = func(_ *http.Request, _ []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HTTPSender{Client: client, Config: cfg, Now: time.Now}, nil
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	if _, err := ParseAddress(msg.To); err != nil {
		return err
	}
	payload := sendEmailRequest{
		From:     msg.From,
		To:       msg.To,
		Subject:  msg.Subject,
		TextBody: msg.Text,
		HTMLBody: msg.HTML,
	}
	if msg.MessageID != "" {
		payload.Headers = []emailHeaderPair{{Name: "Message-ID", Value: msg.MessageID}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.Config.Token != "" {
		req.Header.Set(s.Config.TokenHeader, s.Config.Token)
	}
	s.sign(req, body)

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, resp.Body)
	return classifyStatus(resp.StatusCode, snippet)
}

func (s *HTTPSender) sign(req *http.Request, body []byte) {
	if s.Config.SigningSecret == "" {
		return
	}
	nowFn := s.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	timestamp := strconv.FormatInt(nowFn().UTC().Unix(), 10)
	reqPath := req.URL.EscapedPath()
	if reqPath == "" {
		reqPath = "/"
	}
	req.Header.Set(s.Config.TimestampHeader, timestamp)
	req.Header.Set(s.Config.SignatureHeader, signRequest(req.Method, reqPath, timestamp, body, []byte(s.Config.SigningSecret)))
}

func signRequest(method, path, timestamp string, body, secret []byte) string {
	bodyHash := sha256.Sum256(body)
	canonical := strings.ToUpper(method) + "\n" + path + "\n" + timestamp + "\n" + hex.EncodeToString(bodyHash[:])
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Email API error codes that concern the recipient rather than the sending
// account. Everything else is the operator's to fix and is retried.
var recipientErrorCodes = map[int]bool{
	406: true, // inactive recipient
}

type apiErrorBody struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// classifyStatus maps an API response to a send result. Only a 422 carrying a
// recipient error code is permanent; auth, quota and redirect failures are
// account-wide and must not drop the audience.
func classifyStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("email api status %d: %s", code, strings.TrimSpace(string(body)))
	if code != http.StatusUnprocessableEntity {
		return err
	}
	var apiErr apiErrorBody
	if json.Unmarshal(body, &apiErr) == nil && recipientErrorCodes[apiErr.ErrorCode] {
		return Permanent(err)
	}
	return err
}
