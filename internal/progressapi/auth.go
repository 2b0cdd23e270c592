package progressapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Tokens is the set of bearer tokens accepted by both transports. An empty
// set allows every request.
type Tokens struct {
	allowed [][]byte
}

func NewTokens(tokens ...string) Tokens {
	allowed := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		allowed = append(allowed, []byte(t))
	}
	return Tokens{allowed: allowed}
}

func (t Tokens) AuthorizeHTTP(r *http.Request) bool {
	if len(t.allowed) == 0 {
		return true
	}
	return t.match(r.Header.Get("Authorization"))
}

// AuthorizeGRPC checks the "authorization" metadata of an incoming call.
func (t Tokens) AuthorizeGRPC(ctx context.Context) bool {
	if len(t.allowed) == 0 {
		return true
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return false
	}
	for _, raw := range md.Get("authorization") {
		if t.match(raw) {
			return true
		}
	}
	return false
}

func (t Tokens) match(header string) bool {
	token, ok := parseBearerToken(header)
	if !ok {
		return false
	}
	got := []byte(token)
	for _, want := range t.allowed {
		if subtle.ConstantTimeCompare(got, want) == 1 {
			return true
		}
	}
	return false
}

func parseBearerToken(raw string) (string, bool) {
	h := strings.TrimSpace(raw)
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	if token == "" {
		return "", false
	}
	return token, true
}
