// Package chat posts notification messages to a Zulip-compatible chat server
// over its REST messaging API.
package chat

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

// Config identifies one bot account on a chat site.
type Config struct {
	Site     string // https://chat.example.org
	Identity string // bot email
	Key      string // API key
}

func (c Config) valid() bool {
	return c.Site != "" && c.Identity != "" && c.Key != ""
}

func (c Config) poolKey() string {
	return c.Site + "\x00" + c.Identity + "\x00" + c.Key
}

// Sender posts messages for one bot account.
type Sender struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger
}

// Pool reuses senders per account so every tenant hitting the same bot
// shares one HTTP client.
type Pool struct {
	senders *xsync.Map[string, *Sender]
	log     zerolog.Logger
}

// NewPool creates an empty sender pool.
func NewPool(log zerolog.Logger) *Pool {
	return &Pool{
		senders: xsync.NewMap[string, *Sender](),
		log:     log.With().Str("component", "chat").Logger(),
	}
}

// Get returns the pooled sender for cfg, creating it on first use.
func (p *Pool) Get(cfg Config) (*Sender, error) {
	if !cfg.valid() {
		return nil, fmt.Errorf("chat config needs site, identity and key")
	}
	sender, _ := p.senders.Compute(cfg.poolKey(), func(old *Sender, loaded bool) (*Sender, xsync.ComputeOp) {
		if loaded {
			return old, xsync.CancelOp
		}
		return &Sender{
			cfg:    cfg,
			client: &http.Client{Timeout: 15 * time.Second},
			log:    p.log.With().Str("site", cfg.Site).Logger(),
		}, xsync.UpdateOp
	})
	return sender, nil
}

// Post sends markdown content to a target. Targets are "stream-name" or
// "stream:stream-name" for channel messages, "user:someone@host" for direct
// messages.
func (s *Sender) Post(target, topic, content string) error {
	form := url.Values{}
	form.Set("content", content)

	switch {
	case strings.HasPrefix(target, "user:"):
		form.Set("type", "private")
		form.Set("to", strings.TrimPrefix(target, "user:"))
	case strings.HasPrefix(target, "stream:"):
		form.Set("type", "stream")
		form.Set("to", strings.TrimPrefix(target, "stream:"))
		form.Set("topic", topic)
	default:
		form.Set("type", "stream")
		form.Set("to", target)
		form.Set("topic", topic)
	}

	req, err := http.NewRequest(http.MethodPost,
		strings.TrimRight(s.cfg.Site, "/")+"/api/v1/messages",
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.SetBasicAuth(s.cfg.Identity, s.cfg.Key)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post chat message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("chat server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	s.log.Debug().Str("target", target).Msg("chat message sent")
	return nil
}
