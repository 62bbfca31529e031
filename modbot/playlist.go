package modbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// CollaborativePlaylist is a shared playlist created through the bot,
// looked up by name. The playlist belongs to the Spotify account of
// the user who created it, and tracks are added with their token.
//
//nolint:lll // struct tags can't be split
type CollaborativePlaylist struct {
	Name       string `json:"name" gorm:"primaryKey;type:string"`
	PlaylistID string `json:"playlist_id" gorm:"type:string;not null"`
	OwnerID    string `json:"owner_id" gorm:"type:string;not null;index"`
	URL        string `json:"url" gorm:"type:string"`
	ModelUnixTime
}

const (
	playlistDescription = "A collaborative playlist created from Discord"
	playlistListLimit   = 20
)

// Playlists manages collaborative playlists
type Playlists struct {
	store  CredentialStore
	music  *UserMusic
	logger *slog.Logger
}

func NewPlaylists(store CredentialStore, music *UserMusic, logger *slog.Logger) *Playlists {
	if logger == nil {
		logger = slog.Default()
	}
	return &Playlists{
		store:  store,
		music:  music,
		logger: logger.With(loggerNameKey, "playlists"),
	}
}

func playlistKey(name string) string {
	return strings.TrimSpace(name)
}

// Create creates a collaborative playlist on the user's Spotify
// account, and records it under the given name. Returns
// ErrPlaylistExists if the name is taken.
func (p *Playlists) Create(
	ctx context.Context,
	userID string,
	name string,
) (*CollaborativePlaylist, error) {
	name = playlistKey(name)
	if name == "" {
		return nil, errors.New("playlist name is required")
	}
	switch _, err := p.store.GetPlaylist(ctx, name); {
	case err == nil:
		return nil, ErrPlaylistExists
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("error loading playlist: %w", err)
	}

	token, err := p.music.AccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.music.callContext(ctx)
	defer cancel()

	account, err := p.music.service.CurrentUser(ctx, token)
	if err != nil {
		return nil, err
	}
	created, err := p.music.service.CreatePlaylist(ctx, token, account.ID, name, playlistDescription)
	if err != nil {
		return nil, err
	}

	playlist := &CollaborativePlaylist{
		Name:       name,
		PlaylistID: created.ID,
		OwnerID:    userID,
		URL:        created.URL,
	}
	if err = p.store.PutPlaylist(ctx, playlist); err != nil {
		return nil, fmt.Errorf("error saving playlist: %w", err)
	}
	contextLoggerOr(ctx, p.logger).InfoContext(
		ctx,
		"created collaborative playlist",
		"name", name,
		"playlist_id", created.ID,
		"owner_id", userID,
	)
	return playlist, nil
}

func (p *Playlists) get(ctx context.Context, name string) (*CollaborativePlaylist, error) {
	playlist, err := p.store.GetPlaylist(ctx, playlistKey(name))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrPlaylistNotFound
		}
		return nil, fmt.Errorf("error loading playlist: %w", err)
	}
	return playlist, nil
}

// Add searches for a track as the given user, and adds the best match
// to the named playlist as its owner
func (p *Playlists) Add(
	ctx context.Context,
	userID string,
	name string,
	query string,
) (*Track, *CollaborativePlaylist, error) {
	playlist, err := p.get(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	searchToken, err := p.music.AccessToken(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	ownerToken := searchToken
	if playlist.OwnerID != userID {
		ownerToken, err = p.music.AccessToken(ctx, playlist.OwnerID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrPlaylistOwnerUnavailable, err)
		}
	}

	ctx, cancel := p.music.callContext(ctx)
	defer cancel()

	result, err := p.music.service.Search(ctx, searchToken, query, SearchKindTrack, 1)
	if err != nil {
		return nil, nil, err
	}
	if len(result.Tracks) == 0 {
		return nil, nil, ErrTrackNotFound
	}
	track := result.Tracks[0]
	if err = p.music.service.AddTracks(ctx, ownerToken, playlist.PlaylistID, track.ID); err != nil {
		return nil, nil, err
	}
	contextLoggerOr(ctx, p.logger).InfoContext(
		ctx,
		"added track to playlist",
		"name", playlist.Name,
		"track_id", track.ID,
		columnUserID, userID,
	)
	return &track, playlist, nil
}

// List returns the first tracks of the named playlist, read with its
// owner's token
func (p *Playlists) List(
	ctx context.Context,
	name string,
) ([]Track, *CollaborativePlaylist, error) {
	playlist, err := p.get(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	token, err := p.music.AccessToken(ctx, playlist.OwnerID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrPlaylistOwnerUnavailable, err)
	}

	ctx, cancel := p.music.callContext(ctx)
	defer cancel()

	tracks, err := p.music.service.PlaylistTracks(ctx, token, playlist.PlaylistID, playlistListLimit)
	if err != nil {
		return nil, nil, err
	}
	return tracks, playlist, nil
}
