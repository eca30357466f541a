// Package playback holds the playback model shared by the sync loop, the
// screen controller and the diagnostic surfaces.
package playback

import (
	"fmt"
	"time"
)

// Track describes the currently playing item.
type Track struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	Year       string `json:"year,omitempty"`
	ArtworkURL string `json:"artwork_url,omitempty"`
}

// State is the client's view of the remote playback. Only the sync loop
// mutates it; everyone else receives copies.
type State struct {
	Track     *Track        `json:"track"`
	IsPlaying bool          `json:"is_playing"`
	IsLiked   bool          `json:"is_liked"`
	Progress  time.Duration `json:"progress"`
	Duration  time.Duration `json:"duration"`

	// PlayingPending and LikedPending mark optimistic values not yet
	// confirmed by a poll.
	PlayingPending bool `json:"playing_pending,omitempty"`
	LikedPending   bool `json:"liked_pending,omitempty"`

	// Loaded is set once the first poll attempt finished, successful or not.
	Loaded bool `json:"loaded"`
}

// TrackID returns the current track's ID, or "" with no track.
func (s State) TrackID() string {
	if s.Track == nil {
		return ""
	}
	return s.Track.ID
}

// Clone returns a deep copy.
func (s State) Clone() State {
	if s.Track != nil {
		t := *s.Track
		s.Track = &t
	}
	return s
}

// ProgressFraction is progress over duration clamped to [0,1]. It is 0
// when the duration is unknown.
func (s State) ProgressFraction() float64 {
	if s.Duration <= 0 {
		return 0
	}
	f := float64(s.Progress) / float64(s.Duration)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// FormatClock renders d as m:ss.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// Summary is a one-line description for logs and the overlay.
func (s State) Summary() string {
	if s.Track == nil {
		return "nothing playing"
	}
	status := "paused"
	if s.IsPlaying {
		status = "playing"
	}
	return fmt.Sprintf("%s - %s [%s %s/%s]", s.Track.Artist, s.Track.Title, status,
		FormatClock(s.Progress), FormatClock(s.Duration))
}
