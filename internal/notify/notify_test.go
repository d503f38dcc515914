package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"
)

func TestChunk_Short(t *testing.T) {
	chunks := Chunk("hello", 100)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("got %q", chunks)
	}
}

func TestChunk_SplitsOnSections(t *testing.T) {
	a := strings.Repeat("a", 60)
	b := strings.Repeat("b", 60)
	c := strings.Repeat("c", 60)
	content := a + sectionSeparator + b + sectionSeparator + c

	chunks := Chunk(content, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %q", len(chunks), chunks)
	}
	for i, want := range []string{a, b, c} {
		if !strings.HasPrefix(chunks[i], want) {
			t.Errorf("chunk %d: %q", i, chunks[i])
		}
		if !strings.HasSuffix(chunks[i], fmt.Sprintf("(%d/3)", i+1)) {
			t.Errorf("chunk %d missing marker: %q", i, chunks[i])
		}
		if utf8.RuneCountInString(chunks[i]) > 100 {
			t.Errorf("chunk %d too long", i)
		}
	}
}

func TestChunk_HeadingsAndTruncation(t *testing.T) {
	content := "# Report\n### technical\nshort\n### news\n" + strings.Repeat("新", 300)
	chunks := Chunk(content, 120)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %q", len(chunks), chunks)
	}
	if !strings.Contains(chunks[0], "### technical") {
		t.Errorf("first chunk: %q", chunks[0])
	}
	if !strings.HasPrefix(chunks[1], "### news") || !strings.Contains(chunks[1], truncatedMarker) {
		t.Errorf("oversize section should be truncated: %q", chunks[1])
	}
	if !utf8.ValidString(chunks[1]) || utf8.RuneCountInString(chunks[1]) > 120 {
		t.Errorf("truncation broke the limit or utf-8: %d runes", utf8.RuneCountInString(chunks[1]))
	}
}

func TestParseWebhookURL(t *testing.T) {
	id, token, err := ParseWebhookURL("https://discord.com/api/webhooks/1234/abcDEF?wait=true")
	if err != nil || id != "1234" || token != "abcDEF" {
		t.Errorf("got %q %q %v", id, token, err)
	}
	if _, _, err := ParseWebhookURL("https://discord.com/channels/1"); err == nil {
		t.Error("expected error for non-webhook url")
	}
}

type recorder struct {
	name string
	err  error
	got  []string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Notify(ctx context.Context, title, body string) error {
	r.got = append(r.got, title)
	return r.err
}

func TestMulti_Notify(t *testing.T) {
	ok := &recorder{name: "ok"}
	bad := &recorder{name: "bad", err: errors.New("down")}
	m := Multi{bad, ok}

	err := m.Notify(context.Background(), "NVDA", "body")
	if err == nil || !strings.Contains(err.Error(), "bad: down") {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(ok.got) != 1 {
		t.Error("a failing channel must not stop the others")
	}
	if m.Name() != "bad,ok" {
		t.Errorf("name: %s", m.Name())
	}
}

func TestTelegram_Notify(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"clarity","username":"clarity_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			text := r.FormValue("text")
			if r.FormValue("parse_mode") == "Markdown" && strings.Contains(text, "look_back") {
				fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`)
				return
			}
			mu.Lock()
			sent = append(sent, r.FormValue("chat_id")+"|"+text)
			mu.Unlock()
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tg, err := NewTelegramWithEndpoint("token", "42", srv.URL+"/bot%s/%s")
	if err != nil {
		t.Fatalf("NewTelegramWithEndpoint: %v", err)
	}
	tg.Pause = 0

	if err := tg.Notify(context.Background(), "NVDA", "uses look_back window"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 || sent[0] != "42|NVDA\n\nuses look_back window" {
		t.Errorf("sent: %q", sent)
	}

	if _, err := NewTelegramWithEndpoint("token", "not-a-chat", srv.URL+"/bot%s/%s"); err == nil {
		t.Error("expected invalid chat id error")
	}
}
