package mailer

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "reader@example.com", want: "reader@example.com", ok: true},
		{in: "  reader@example.com ", want: "reader@example.com", ok: true},
		{in: "", ok: false},
		{in: "not-an-address", ok: false},
		{in: "Reader <reader@example.com>", ok: false},
		{in: "reader@", ok: false},
	}
	for _, tc := range cases {
		got, err := ParseAddress(tc.in)
		if tc.ok {
			if err != nil {
				t.Fatalf("ParseAddress(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseAddress(%q)=%q, want %q", tc.in, got, tc.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("ParseAddress(%q) err=%v, want ErrInvalidAddress", tc.in, err)
		}
	}
}

func TestIsPermanent(t *testing.T) {
	base := errors.New("boom")
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: base, want: false},
		{name: "permanent", err: Permanent(base), want: true},
		{name: "wrapped permanent", err: fmt.Errorf("send: %w", Permanent(base)), want: true},
		{name: "invalid address", err: fmt.Errorf("%w: x", ErrInvalidAddress), want: true},
	}
	for _, tc := range cases {
		if got := IsPermanent(tc.err); got != tc.want {
			t.Fatalf("%s: IsPermanent=%v, want %v", tc.name, got, tc.want)
		}
	}
	if !errors.Is(Permanent(base), base) {
		t.Fatalf("permanent error must unwrap to its cause")
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) must be nil")
	}
}

func TestMessageIDStablePerRecipient(t *testing.T) {
	a := MessageID("issue_1", "sub_1", "news.example.com")
	if a != MessageID("issue_1", "sub_1", "news.example.com") {
		t.Fatalf("message id not stable")
	}
	if a == MessageID("issue_1", "sub_2", "news.example.com") {
		t.Fatalf("message id collides across subscribers")
	}
	// The separator keeps ("ab","c") and ("a","bc") apart.
	if MessageID("ab", "c", "") == MessageID("a", "bc", "") {
		t.Fatalf("message id ambiguous across field boundaries")
	}
	if !strings.HasPrefix(a, "<") || !strings.HasSuffix(a, "@news.example.com>") {
		t.Fatalf("message id=%q", a)
	}
}

func TestPlainTextFromHTML(t *testing.T) {
	got, err := PlainTextFromHTML(`<html><head><title>x</title><style>p{}</style></head>
<body><h1>Weekly  digest</h1><p>Hello <b>world</b>.<br>Line two</p>
<p>Read <a href="https://example.com/post">the post</a></p><script>alert(1)</script></body></html>`)
	if err != nil {
		t.Fatalf("plain text: %v", err)
	}
	want := "Weekly digest\nHello world.\nLine two\nRead the post (https://example.com/post)"
	if got != want {
		t.Fatalf("plain text=%q, want %q", got, want)
	}
}

func TestComposeDerivesTextBody(t *testing.T) {
	msg, err := Compose("news@example.com", "reader@example.com", "Issue 1", "", "<p>Hi</p>", "<id@x>")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if msg.Text != "Hi" || msg.HTML != "<p>Hi</p>" || msg.MessageID != "<id@x>" {
		t.Fatalf("message=%+v", msg)
	}

	msg, err = Compose("news@example.com", "reader@example.com", "Issue 1", "explicit", "<p>Hi</p>", "")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if msg.Text != "explicit" {
		t.Fatalf("text=%q, want explicit body kept", msg.Text)
	}

	if _, err := Compose("news@example.com", "broken", "s", "t", "", ""); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("compose invalid err=%v, want ErrInvalidAddress", err)
	}
}
