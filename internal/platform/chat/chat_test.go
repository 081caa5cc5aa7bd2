package chat

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestPoolReusesSenders(t *testing.T) {
	pool := NewPool(zerolog.Nop())
	cfg := Config{Site: "https://chat.example.org", Identity: "bot@x", Key: "k"}

	a, err := pool.Get(cfg)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := pool.Get(cfg)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != b {
		t.Error("same account produced distinct senders")
	}

	other, err := pool.Get(Config{Site: "https://chat.example.org", Identity: "other@x", Key: "k"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if other == a {
		t.Error("distinct accounts shared a sender")
	}
}

func TestPoolRejectsIncompleteConfig(t *testing.T) {
	pool := NewPool(zerolog.Nop())
	for _, cfg := range []Config{
		{},
		{Site: "https://chat.example.org"},
		{Site: "https://chat.example.org", Identity: "bot@x"},
	} {
		if _, err := pool.Get(cfg); err == nil {
			t.Errorf("incomplete config %+v accepted", cfg)
		}
	}
}

type capturedPost struct {
	path string
	user string
	pass string
	form url.Values
}

func chatServer(t *testing.T, status int, body string) (*httptest.Server, func() []capturedPost) {
	t.Helper()
	var mu sync.Mutex
	var posts []capturedPost
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		user, pass, _ := r.BasicAuth()
		mu.Lock()
		posts = append(posts, capturedPost{path: r.URL.Path, user: user, pass: pass, form: r.PostForm})
		mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	return srv, func() []capturedPost {
		mu.Lock()
		defer mu.Unlock()
		out := make([]capturedPost, len(posts))
		copy(out, posts)
		return out
	}
}

func TestPostStreamMessage(t *testing.T) {
	srv, posts := chatServer(t, http.StatusOK, `{"result":"success"}`)
	defer srv.Close()

	pool := NewPool(zerolog.Nop())
	sender, _ := pool.Get(Config{Site: srv.URL + "/", Identity: "bot@x", Key: "k"})
	if err := sender.Post("ward-7", "alerts", "**event 1**"); err != nil {
		t.Fatalf("Post: %v", err)
	}

	got := posts()
	if len(got) != 1 {
		t.Fatalf("posts = %d, want 1", len(got))
	}
	p := got[0]
	if p.path != "/api/v1/messages" {
		t.Errorf("path = %q", p.path)
	}
	if p.user != "bot@x" || p.pass != "k" {
		t.Errorf("auth = %s/%s", p.user, p.pass)
	}
	if p.form.Get("type") != "stream" || p.form.Get("to") != "ward-7" || p.form.Get("topic") != "alerts" {
		t.Errorf("form = %v", p.form)
	}
	if p.form.Get("content") != "**event 1**" {
		t.Errorf("content = %q", p.form.Get("content"))
	}
}

func TestPostTargetForms(t *testing.T) {
	srv, posts := chatServer(t, http.StatusOK, `{}`)
	defer srv.Close()

	pool := NewPool(zerolog.Nop())
	sender, _ := pool.Get(Config{Site: srv.URL, Identity: "bot@x", Key: "k"})

	if err := sender.Post("stream:icu", "alerts", "m"); err != nil {
		t.Fatalf("Post(stream:): %v", err)
	}
	if err := sender.Post("user:doc@example.org", "alerts", "m"); err != nil {
		t.Fatalf("Post(user:): %v", err)
	}

	got := posts()
	if got[0].form.Get("type") != "stream" || got[0].form.Get("to") != "icu" {
		t.Errorf("stream form = %v", got[0].form)
	}
	private := got[1].form
	if private.Get("type") != "private" || private.Get("to") != "doc@example.org" {
		t.Errorf("private form = %v", private)
	}
	if private.Get("topic") != "" {
		t.Error("direct message carried a stream topic")
	}
}

func TestPostReportsServerError(t *testing.T) {
	srv, _ := chatServer(t, http.StatusBadRequest, `{"result":"error","msg":"Invalid API key"}`)
	defer srv.Close()

	pool := NewPool(zerolog.Nop())
	sender, _ := pool.Get(Config{Site: srv.URL, Identity: "bot@x", Key: "bad"})
	err := sender.Post("ward-7", "alerts", "m")
	if err == nil {
		t.Fatal("error status reported as success")
	}
}
