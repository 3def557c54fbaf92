package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/go-authgate/session-cli/kvstore"
	"github.com/go-authgate/session-cli/logx"
)

// KeyCookies is the storage key of the persisted cookie jar.
const KeyCookies = "portfolio_cookies"

// savedCookie is one cookie as received, plus the URL that set it so it can
// be replayed into a fresh jar with the same defaults.
type savedCookie struct {
	Origin   string        `json:"origin"`
	Name     string        `json:"name"`
	Value    string        `json:"value"`
	Domain   string        `json:"domain,omitempty"`
	Path     string        `json:"path,omitempty"`
	Expires  time.Time     `json:"expires,omitzero"`
	Secure   bool          `json:"secure,omitempty"`
	HttpOnly bool          `json:"http_only,omitempty"`
	SameSite http.SameSite `json:"same_site,omitempty"`
}

// sameAs reports whether o replaces s: same host, name, domain and path.
func (s savedCookie) sameAs(o savedCookie) bool {
	return hostOf(s.Origin) == hostOf(o.Origin) &&
		s.Name == o.Name && s.Domain == o.Domain && s.Path == o.Path
}

func (s savedCookie) expired(now time.Time) bool {
	return !s.Expires.IsZero() && !now.Before(s.Expires)
}

// PersistentJar is an http.CookieJar whose cookies survive process restarts.
// It carries the server's refresh cookie from one command to the next.
type PersistentJar struct {
	kv     kvstore.Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	jar   *cookiejar.Jar
	saved []savedCookie
}

// NewPersistentJar loads the cookies stored in kv.
func NewPersistentJar(ctx context.Context, kv kvstore.Store, logger *slog.Logger) (*PersistentJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if logger == nil {
		logger = logx.Discard()
	}
	p := &PersistentJar{kv: kv, logger: logger, now: time.Now, jar: jar}
	p.load(ctx)
	return p, nil
}

func (p *PersistentJar) Cookies(u *url.URL) []*http.Cookie {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jar.Cookies(u)
}

func (p *PersistentJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.jar.SetCookies(u, cookies)

	origin := originOf(u)
	now := p.now()
	for _, ck := range cookies {
		s := savedCookie{
			Origin:   origin,
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  ck.Expires,
			Secure:   ck.Secure,
			HttpOnly: ck.HttpOnly,
			SameSite: ck.SameSite,
		}
		switch {
		case ck.MaxAge < 0:
			s.Expires = now
		case ck.MaxAge > 0:
			s.Expires = now.Add(time.Duration(ck.MaxAge) * time.Second)
		}
		p.saved = upsertCookie(p.saved, s)
	}
	p.saved = pruneCookies(p.saved, now)
	p.persist(context.Background())
}

// Clear forgets every cookie, in memory and in storage.
func (p *PersistentJar) Clear(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	jar, _ := cookiejar.New(nil)
	p.jar = jar
	p.saved = nil
	if err := p.kv.Delete(ctx, KeyCookies); err != nil {
		p.logger.Warn("failed to clear cookies", "error", err)
	}
}

func (p *PersistentJar) load(ctx context.Context) {
	raw, err := p.kv.Get(ctx, KeyCookies)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			p.logger.Warn("failed to read cookies", "error", err)
		}
		return
	}

	var saved []savedCookie
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		p.logger.Debug("ignoring malformed cookie entry", "error", err)
		return
	}

	p.saved = pruneCookies(saved, p.now())
	for _, s := range p.saved {
		u, err := url.Parse(s.Origin)
		if err != nil {
			continue
		}
		p.jar.SetCookies(u, []*http.Cookie{{
			Name:     s.Name,
			Value:    s.Value,
			Domain:   s.Domain,
			Path:     s.Path,
			Expires:  s.Expires,
			Secure:   s.Secure,
			HttpOnly: s.HttpOnly,
			SameSite: s.SameSite,
		}})
	}
}

func (p *PersistentJar) persist(ctx context.Context) {
	if len(p.saved) == 0 {
		if err := p.kv.Delete(ctx, KeyCookies); err != nil {
			p.logger.Warn("failed to clear cookies", "error", err)
		}
		return
	}
	raw, err := json.Marshal(p.saved)
	if err != nil {
		p.logger.Warn("failed to encode cookies", "error", err)
		return
	}
	if err := p.kv.Set(ctx, KeyCookies, string(raw), 0); err != nil {
		p.logger.Warn("failed to persist cookies", "error", err)
	}
}

func originOf(u *url.URL) string {
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}).String()
}

func hostOf(origin string) string {
	u, err := url.Parse(origin)
	if err != nil {
		return origin
	}
	return u.Host
}

func upsertCookie(saved []savedCookie, s savedCookie) []savedCookie {
	for i := range saved {
		if saved[i].sameAs(s) {
			saved[i] = s
			return saved
		}
	}
	return append(saved, s)
}

func pruneCookies(saved []savedCookie, now time.Time) []savedCookie {
	kept := saved[:0]
	for _, s := range saved {
		if !s.expired(now) {
			kept = append(kept, s)
		}
	}
	return kept
}
