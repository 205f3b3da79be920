// Package session maintains an authenticated HTTP session against the
// upstream WSPR aggregator, spec.md §4.3/§6.2: cookie-based login, session
// persistence across restarts, automatic re-login on expiry. The
// http.Client-with-timeout construction is grounded on the teacher's
// WSPRNet.postMEPTData (wsprnet.go) request pattern; the cookie jar itself
// has no third-party equivalent anywhere in the example corpus, so it is one
// of the few deliberate stdlib uses in this module (net/http/cookiejar).
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/n5wspr/wsprcore/internal/logging"
	"github.com/n5wspr/wsprcore/internal/wsprerr"
)

// State is the session's three-state machine (spec.md §4.3).
type State int

const (
	Unauthenticated State = iota
	Authenticated
	Expired
)

func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return "unauthenticated"
	}
}

// persistedDoc is the on-disk session file format, spec.md §6.2.
type persistedDoc struct {
	Cookies   map[string]string `json:"cookies"`
	SavedAt   int64             `json:"saved_at"`
	UserAgent string            `json:"user_agent"`
}

// Manager owns the HTTP client, cookie jar, and login state for one upstream
// aggregator account.
type Manager struct {
	baseURL     string
	username    string
	password    string
	userAgent   string
	sessionFile string
	ttl         time.Duration

	client              *http.Client
	jar                 *cookiejar.Jar
	state               State
	consecutiveFailures int
}

// Config configures a new session Manager.
type Config struct {
	BaseURL     string
	Username    string
	Password    string
	UserAgent   string
	SessionFile string
	TTL         time.Duration
	Timeout     time.Duration
}

func New(cfg Config) (*Manager, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, wsprerr.Wrap(err, "session: create cookie jar")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "wsprcore-scraper/1.0"
	}
	return &Manager{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		username:    cfg.Username,
		password:    cfg.Password,
		userAgent:   ua,
		sessionFile: cfg.SessionFile,
		ttl:         cfg.TTL,
		client:      &http.Client{Timeout: timeout, Jar: jar},
		jar:         jar,
		state:       Unauthenticated,
	}, nil
}

// State reports the manager's current authentication state.
func (m *Manager) State() State { return m.state }

// Restore loads a previously persisted session if it exists and is younger
// than the configured TTL, avoiding an unnecessary re-login at startup.
func (m *Manager) Restore() bool {
	data, err := os.ReadFile(m.sessionFile)
	if err != nil {
		return false
	}
	var doc persistedDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		logging.WithComponent("session").Warn().Err(err).Msg("discarding unparseable session file")
		return false
	}
	age := time.Since(time.Unix(doc.SavedAt, 0))
	if m.ttl > 0 && age > m.ttl {
		return false
	}
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return false
	}
	cookies := make([]*http.Cookie, 0, len(doc.Cookies))
	for name, value := range doc.Cookies {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value})
	}
	m.jar.SetCookies(u, cookies)
	m.state = Authenticated
	return true
}

// Persist writes the current cookie jar to disk (spec.md §6.2).
func (m *Manager) Persist() error {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return wsprerr.Wrap(err, "session: parse base url")
	}
	cookies := make(map[string]string)
	for _, c := range m.jar.Cookies(u) {
		cookies[c.Name] = c.Value
	}
	doc := persistedDoc{Cookies: cookies, SavedAt: time.Now().Unix(), UserAgent: m.userAgent}
	data, err := json.Marshal(doc)
	if err != nil {
		return wsprerr.Wrap(err, "session: marshal")
	}
	tmp := m.sessionFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return wsprerr.Wrap(err, "session: write")
	}
	return os.Rename(tmp, m.sessionFile)
}

// Login authenticates against the aggregator. Three consecutive failures
// raise a FatalConfig error per spec.md §4.3.
func (m *Manager) Login(ctx context.Context) error {
	form := url.Values{"user": {m.username}, "passwd": {m.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/drupal/user/login", strings.NewReader(form.Encode()))
	if err != nil {
		return wsprerr.Wrap(err, "session: build login request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", m.userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		m.consecutiveFailures++
		if m.consecutiveFailures >= 3 {
			return wsprerr.MarkFatalConfig(wsprerr.Wrap(err, "session: login failed 3 times consecutively"))
		}
		return wsprerr.MarkTransient(wsprerr.Wrap(err, "session: login request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
		m.consecutiveFailures++
		if m.consecutiveFailures >= 3 {
			return wsprerr.MarkFatalConfig(wsprerr.Newf("session: login failed 3 times consecutively, last status %d", resp.StatusCode))
		}
		return wsprerr.MarkTransient(wsprerr.Newf("session: login returned status %d", resp.StatusCode))
	}

	m.consecutiveFailures = 0
	m.state = Authenticated
	return m.Persist()
}

// MarkExpired transitions the manager to Expired, to be called when a fetch
// sees an auth redirect, 401, or a response missing the expected data
// marker.
func (m *Manager) MarkExpired() { m.state = Expired }

// EnsureAuthenticated logs in if the manager is not currently authenticated.
func (m *Manager) EnsureAuthenticated(ctx context.Context) error {
	if m.state == Authenticated {
		return nil
	}
	return m.Login(ctx)
}

// Do executes req using the session's authenticated client.
func (m *Manager) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", m.userAgent)
	return m.client.Do(req)
}

