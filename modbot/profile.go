package modbot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// MusicProfile is a user's self-described music taste, plus their top
// tracks and artists at the time it was saved. Profiles are only ever
// written whole.
//
//nolint:lll // struct tags can't be split
type MusicProfile struct {
	UserID  string `json:"user_id" gorm:"primaryKey;type:string"`
	Name    string `json:"name" gorm:"type:string;not null"`
	Genres  string `json:"genres" gorm:"type:string;not null"`
	Artists string `json:"artists" gorm:"type:string;not null"`
	Song    string `json:"song" gorm:"type:string;not null"`
	Events  string `json:"events" gorm:"type:string;not null"`

	// TopTracks are "Name by Artist" descriptors, in rank order. Empty
	// if the user had no connected account when the profile was saved.
	TopTracks  StringList `json:"top_tracks"`
	TopArtists StringList `json:"top_artists"`

	ModelUnixTime
}

// Complete reports whether every free-text field is populated
func (p *MusicProfile) Complete() bool {
	for _, s := range []string{p.Name, p.Genres, p.Artists, p.Song, p.Events} {
		if strings.TrimSpace(s) == "" {
			return false
		}
	}
	return true
}

func formatProfile(p *MusicProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s's music profile**\n", p.Name)
	fmt.Fprintf(&b, "**Genres:** %s\n", p.Genres)
	fmt.Fprintf(&b, "**Favorite artists:** %s\n", p.Artists)
	fmt.Fprintf(&b, "**Current favorite song:** %s\n", p.Song)
	fmt.Fprintf(&b, "**Upcoming events:** %s", p.Events)
	if len(p.TopTracks) > 0 {
		b.WriteString("\n**Top tracks:**")
		for i, t := range p.TopTracks {
			fmt.Fprintf(&b, "\n%d. %s", i+1, t)
		}
	}
	if len(p.TopArtists) > 0 {
		fmt.Fprintf(&b, "\n**Top artists:** %s", strings.Join(p.TopArtists, ", "))
	}
	return b.String()
}

// UserMusic calls the music service on a user's behalf, getting them
// a valid access token first. Every call is bounded by timeout.
type UserMusic struct {
	tokens  *TokenManager
	service MusicService
	timeout time.Duration
}

func NewUserMusic(tokens *TokenManager, service MusicService, timeout time.Duration) *UserMusic {
	return &UserMusic{tokens: tokens, service: service, timeout: timeout}
}

// AccessToken returns a valid access token for the user. See
// TokenManager.ValidAccessToken.
func (u *UserMusic) AccessToken(ctx context.Context, userID string) (string, error) {
	return u.tokens.ValidAccessToken(ctx, userID)
}

func (u *UserMusic) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, u.timeout)
}

// TopLists fetches the user's top tracks and top artists concurrently
func (u *UserMusic) TopLists(
	ctx context.Context,
	userID string,
	limit int,
) ([]Track, []Artist, error) {
	token, err := u.AccessToken(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := u.callContext(ctx)
	defer cancel()

	var tracks []Track
	var artists []Artist
	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			var e error
			tracks, e = u.service.TopTracks(gctx, token, limit)
			return e
		},
	)
	g.Go(
		func() error {
			var e error
			artists, e = u.service.TopArtists(gctx, token, limit)
			return e
		},
	)
	if err = g.Wait(); err != nil {
		return nil, nil, err
	}
	return tracks, artists, nil
}
