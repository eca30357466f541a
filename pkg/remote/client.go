// Package remote is the HTTP client for the playback backend. The backend
// authenticates with a session cookie; requests are sent with a cookie jar
// so any refreshed cookie set by the server is reused.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/playback"
)

// ErrUnauthorized is returned for HTTP 401. The caller must re-authenticate;
// retrying will not help.
var ErrUnauthorized = errors.New("remote: not authenticated")

// StatusError is any other non-2xx response.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: %s returned HTTP %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("remote: %s returned HTTP %d: %s", e.Endpoint, e.Code, e.Body)
}

// Status is the lightweight polling response.
type Status struct {
	Progress  time.Duration
	Duration  time.Duration
	Playing   bool
	Liked     bool
	SameTrack bool
}

// NowPlaying is the full descriptor response. Track is nil when nothing is
// playing.
type NowPlaying struct {
	Track   *playback.Track
	Playing bool
	Liked   bool
	// ScreenServerURL is the display controller address advertised by the
	// backend, if any.
	ScreenServerURL string
}

// DefaultSessionCookie is the cookie name used when the configured session
// value carries no name.
const DefaultSessionCookie = "session"

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration

	// SessionCookie is "name=value" or a bare value for DefaultSessionCookie.
	SessionCookie string

	UserAgent string

	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Client talks to the playback backend.
type Client struct {
	base      *url.URL
	http      *http.Client
	userAgent string
}

// New builds a Client. The base URL must be absolute.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q is not absolute", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	if c := sessionCookie(opts.SessionCookie); c != nil {
		jar.SetCookies(base, []*http.Cookie{c})
	}

	return &Client{
		base: base,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Jar:       jar,
			Transport: opts.Transport,
		},
		userAgent: opts.UserAgent,
	}, nil
}

func sessionCookie(raw string) *http.Cookie {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	name, value, ok := strings.Cut(raw, "=")
	if !ok {
		name, value = DefaultSessionCookie, raw
	}
	return &http.Cookie{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value), Path: "/"}
}

// BaseURL returns the backend address.
func (c *Client) BaseURL() string { return c.base.String() }

type statusResponse struct {
	Progress         int64 `json:"progress"`
	Duration         int64 `json:"duration"`
	CurrentlyPlaying bool  `json:"currently_playing"`
	Liked            bool  `json:"liked"`
	SameTrack        bool  `json:"same_track"`
}

// Status polls the lightweight endpoint. trackID is the track the client
// currently shows ("" for none); the server answers whether it is still
// the same.
func (c *Client) Status(ctx context.Context, trackID string, playing bool) (Status, error) {
	q := url.Values{}
	q.Set("id", trackID)
	q.Set("currently_playing", pyBool(playing))

	var r statusResponse
	if err := c.get(ctx, "/api/current_track_xhr", q, &r); err != nil {
		return Status{}, err
	}
	return Status{
		Progress:  time.Duration(r.Progress) * time.Millisecond,
		Duration:  time.Duration(r.Duration) * time.Millisecond,
		Playing:   r.CurrentlyPlaying,
		Liked:     r.Liked,
		SameTrack: r.SameTrack,
	}, nil
}

// The backend compares these literally.
func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

type nowPlayingResponse struct {
	Track            bool   `json:"track"`
	SongID           string `json:"song_id"`
	Title            string `json:"title"`
	Artist           string `json:"artist"`
	Album            string `json:"album"`
	Year             string `json:"year"`
	ArtURL           string `json:"art_url"`
	CurrentlyPlaying bool   `json:"currently_playing"`
	Liked            bool   `json:"liked"`
	ScreenServerURL  string `json:"screen_server_url"`
}

// CurrentlyPlaying fetches the full track descriptor.
func (c *Client) CurrentlyPlaying(ctx context.Context) (NowPlaying, error) {
	var r nowPlayingResponse
	if err := c.get(ctx, "/api/currently_playing", nil, &r); err != nil {
		return NowPlaying{}, err
	}
	np := NowPlaying{
		Playing:         r.CurrentlyPlaying,
		Liked:           r.Liked,
		ScreenServerURL: r.ScreenServerURL,
	}
	if r.Track {
		np.Track = &playback.Track{
			ID:         r.SongID,
			Title:      r.Title,
			Artist:     r.Artist,
			Album:      r.Album,
			Year:       r.Year,
			ArtworkURL: r.ArtURL,
		}
	}
	return np, nil
}

// Play resumes playback.
func (c *Client) Play(ctx context.Context) error { return c.get(ctx, "/api/play", nil, nil) }

// Pause pauses playback.
func (c *Client) Pause(ctx context.Context) error { return c.get(ctx, "/api/pause", nil, nil) }

// Skip advances to the next track.
func (c *Client) Skip(ctx context.Context) error { return c.get(ctx, "/api/skip", nil, nil) }

// Like saves the track to the user's library.
func (c *Client) Like(ctx context.Context, trackID string) error {
	return c.get(ctx, "/api/like", url.Values{"id": {trackID}}, nil)
}

// Unlike removes the track from the user's library.
func (c *Client) Unlike(ctx context.Context, trackID string) error {
	return c.get(ctx, "/api/unlike", url.Values{"id": {trackID}}, nil)
}

// get issues a GET and decodes a JSON body into out when out is non-nil.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrapf(err, "build request %s", path)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Endpoint: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}

// IsUnauthorized reports whether err means the session is gone.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
