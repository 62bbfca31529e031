package modbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	spotifyExternalURLKey  = "spotify"
	spotifyTokenTypeBearer = "Bearer"
)

// spotifyScopes are requested when SpotifyConfig.Scopes is empty
var spotifyScopes = []string{
	spotifyauth.ScopeUserReadCurrentlyPlaying,
	spotifyauth.ScopeUserReadPlaybackState,
	spotifyauth.ScopeUserTopRead,
	spotifyauth.ScopeUserReadPrivate,
	spotifyauth.ScopePlaylistReadPrivate,
	spotifyauth.ScopePlaylistReadCollaborative,
	spotifyauth.ScopePlaylistModifyPublic,
	spotifyauth.ScopePlaylistModifyPrivate,
}

// SearchKind is the type of item to search for
type SearchKind string

const (
	SearchKindTrack  SearchKind = "track"
	SearchKindArtist SearchKind = "artist"
	SearchKindAlbum  SearchKind = "album"
)

type Track struct {
	ID          string
	Name        string
	Artists     []string
	Album       string
	AlbumArtURL string
	URL         string
}

// PrimaryArtist returns the first credited artist
func (t Track) PrimaryArtist() string {
	if len(t.Artists) == 0 {
		return ""
	}
	return t.Artists[0]
}

// String formats the track as "Name by Artist"
func (t Track) String() string {
	if artist := t.PrimaryArtist(); artist != "" {
		return fmt.Sprintf("%s by %s", t.Name, artist)
	}
	return t.Name
}

type Artist struct {
	ID     string
	Name   string
	Genres []string
	URL    string
}

type Album struct {
	ID      string
	Name    string
	Artists []string
	URL     string
}

type SearchResult struct {
	Tracks  []Track
	Artists []Artist
	Albums  []Album
}

// SpotifyAccount is the profile of the user an access token belongs to
type SpotifyAccount struct {
	ID          string
	DisplayName string
	URL         string
}

type Playlist struct {
	ID   string
	Name string
	URL  string
}

// MusicService is the music service API. Every call acts as the user
// the access token was issued to.
type MusicService interface {
	// CurrentlyPlaying returns the user's current track, or nil if
	// nothing is playing
	CurrentlyPlaying(ctx context.Context, accessToken string) (*Track, error)
	TopTracks(ctx context.Context, accessToken string, limit int) ([]Track, error)
	TopArtists(ctx context.Context, accessToken string, limit int) ([]Artist, error)
	Search(
		ctx context.Context,
		accessToken string,
		query string,
		kind SearchKind,
		limit int,
	) (*SearchResult, error)
	CurrentUser(ctx context.Context, accessToken string) (*SpotifyAccount, error)
	CreatePlaylist(
		ctx context.Context,
		accessToken string,
		ownerID string,
		name string,
		description string,
	) (*Playlist, error)
	AddTracks(ctx context.Context, accessToken string, playlistID string, trackIDs ...string) error
	PlaylistTracks(ctx context.Context, accessToken string, playlistID string, limit int) ([]Track, error)
}

// Spotify implements MusicService with the Spotify Web API
type Spotify struct {
	httpClient     *http.Client
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	// baseURL overrides the Web API URL, when set
	baseURL string
}

func newSpotify(config *SpotifyConfig, httpClient *http.Client) *Spotify {
	return &Spotify{
		httpClient: httpClient,
		logger:     newComponentLogger("spotify", config.LogLevel),
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			max(1, int(config.MaxRequestsPerSecond)),
		),
	}
}

// client returns an API client authenticated with the given access token
func (s *Spotify) client(ctx context.Context, accessToken string) (*spotify.Client, error) {
	if err := s.requestLimiter.Wait(ctx); err != nil {
		return nil, newExternalServiceError("spotify", err)
	}
	s.logger.DebugContext(ctx, "creating spotify client", "limiter_tokens", s.requestLimiter.Tokens())
	if s.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}
	src := oauth2.StaticTokenSource(
		&oauth2.Token{
			AccessToken: accessToken,
			TokenType:   spotifyTokenTypeBearer,
		},
	)
	var opts []spotify.ClientOption
	if s.baseURL != "" {
		opts = append(opts, spotify.WithBaseURL(s.baseURL))
	}
	return spotify.New(oauth2.NewClient(ctx, src), opts...), nil
}

func (s *Spotify) CurrentlyPlaying(ctx context.Context, accessToken string) (*Track, error) {
	client, err := s.client(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	playing, err := client.PlayerCurrentlyPlaying(ctx)
	if err != nil {
		return nil, newExternalServiceError("spotify", err)
	}
	if playing == nil || playing.Item == nil {
		return nil, nil
	}
	t := convertSpotifyTrack(playing.Item)
	return &t, nil
}

func (s *Spotify) TopTracks(ctx context.Context, accessToken string, limit int) ([]Track, error) {
	client, err := s.client(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	page, err := client.CurrentUsersTopTracks(ctx, spotify.Limit(limit))
	if err != nil {
		return nil, newExternalServiceError("spotify", err)
	}
	tracks := make([]Track, 0, len(page.Tracks))
	for i := range page.Tracks {
		tracks = append(tracks, convertSpotifyTrack(&page.Tracks[i]))
	}
	return tracks, nil
}

func (s *Spotify) TopArtists(ctx context.Context, accessToken string, limit int) ([]Artist, error) {
	client, err := s.client(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	page, err := client.CurrentUsersTopArtists(ctx, spotify.Limit(limit))
	if err != nil {
		return nil, newExternalServiceError("spotify", err)
	}
	artists := make([]Artist, 0, len(page.Artists))
	for _, a := range page.Artists {
		artists = append(
			artists, Artist{
				ID:     string(a.ID),
				Name:   a.Name,
				Genres: a.Genres,
				URL:    a.ExternalURLs[spotifyExternalURLKey],
			},
		)
	}
	return artists, nil
}

func (s *Spotify) Search(
	ctx context.Context,
	accessToken string,
	query string,
	kind SearchKind,
	limit int,
) (*SearchResult, error) {
	var searchType spotify.SearchType
	switch kind {
	case SearchKindTrack:
		searchType = spotify.SearchTypeTrack
	case SearchKindArtist:
		searchType = spotify.SearchTypeArtist
	case SearchKindAlbum:
		searchType = spotify.SearchTypeAlbum
	default:
		return nil, fmt.Errorf("unsupported search kind: %q", kind)
	}

	client, err := s.client(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	results, err := client.Search(ctx, query, searchType, spotify.Limit(limit))
	if err != nil {
		return nil, newExternalServiceError("spotify", err)
	}

	rv := &SearchResult{}
	if results.Tracks != nil {
		for i := range results.Tracks.Tracks {
			rv.Tracks = append(rv.Tracks, convertSpotifyTrack(&results.Tracks.Tracks[i]))
		}
	}
	if results.Artists != nil {
		for _, a := range results.Artists.Artists {
			rv.Artists = append(
				rv.Artists, Artist{
					ID:     string(a.ID),
					Name:   a.Name,
					Genres: a.Genres,
					URL:    a.ExternalURLs[spotifyExternalURLKey],
				},
			)
		}
	}
	if results.Albums != nil {
		for _, a := range results.Albums.Albums {
			rv.Albums = append(
				rv.Albums, Album{
					ID:      string(a.ID),
					Name:    a.Name,
					Artists: simpleArtistNames(a.Artists),
					URL:     a.ExternalURLs[spotifyExternalURLKey],
				},
			)
		}
	}
	return rv, nil
}

func (s *Spotify) CurrentUser(ctx context.Context, accessToken string) (*SpotifyAccount, error) {
	client, err := s.client(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	user, err := client.CurrentUser(ctx)
	if err != nil {
		return nil, newExternalServiceError("spotify", err)
	}
	return &SpotifyAccount{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		URL:         user.ExternalURLs[spotifyExternalURLKey],
	}, nil
}

func (s *Spotify) CreatePlaylist(
	ctx context.Context,
	accessToken string,
	ownerID string,
	name string,
	description string,
) (*Playlist, error) {
	client, err := s.client(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	// collaborative playlists can't be public
	p, err := client.CreatePlaylistForUser(ctx, ownerID, name, description, false, true)
	if err != nil {
		return nil, newExternalServiceError("spotify", err)
	}
	return &Playlist{
		ID:   string(p.ID),
		Name: p.Name,
		URL:  p.ExternalURLs[spotifyExternalURLKey],
	}, nil
}

func (s *Spotify) AddTracks(
	ctx context.Context,
	accessToken string,
	playlistID string,
	trackIDs ...string,
) error {
	if len(trackIDs) == 0 {
		return nil
	}
	client, err := s.client(ctx, accessToken)
	if err != nil {
		return err
	}
	ids := make([]spotify.ID, len(trackIDs))
	for i, id := range trackIDs {
		ids[i] = spotify.ID(id)
	}
	if _, err = client.AddTracksToPlaylist(ctx, spotify.ID(playlistID), ids...); err != nil {
		return newExternalServiceError("spotify", err)
	}
	return nil
}

func (s *Spotify) PlaylistTracks(
	ctx context.Context,
	accessToken string,
	playlistID string,
	limit int,
) ([]Track, error) {
	client, err := s.client(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	page, err := client.GetPlaylistItems(ctx, spotify.ID(playlistID), spotify.Limit(limit))
	if err != nil {
		return nil, newExternalServiceError("spotify", err)
	}
	var tracks []Track
	for _, item := range page.Items {
		if item.Track.Track == nil {
			continue
		}
		tracks = append(tracks, convertSpotifyTrack(item.Track.Track))
	}
	return tracks, nil
}

func convertSpotifyTrack(track *spotify.FullTrack) Track {
	t := Track{
		ID:      string(track.ID),
		Name:    track.Name,
		Artists: simpleArtistNames(track.Artists),
		Album:   track.Album.Name,
		URL:     track.ExternalURLs[spotifyExternalURLKey],
	}
	if len(track.Album.Images) > 0 {
		t.AlbumArtURL = track.Album.Images[0].URL
	}
	return t
}

func simpleArtistNames(artists []spotify.SimpleArtist) []string {
	names := make([]string, 0, len(artists))
	for _, a := range artists {
		names = append(names, a.Name)
	}
	return names
}

// spotifyAuthorizationServer implements AuthorizationServer with the
// Spotify accounts service
type spotifyAuthorizationServer struct {
	auth       *spotifyauth.Authenticator
	oauth      *oauth2.Config
	httpClient *http.Client
}

func newSpotifyAuthorizationServer(
	config *SpotifyConfig,
	httpClient *http.Client,
) *spotifyAuthorizationServer {
	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = spotifyScopes
	}
	return &spotifyAuthorizationServer{
		auth: spotifyauth.New(
			spotifyauth.WithClientID(config.ClientID),
			spotifyauth.WithClientSecret(config.ClientSecret),
			spotifyauth.WithRedirectURL(config.RedirectURL),
			spotifyauth.WithScopes(scopes...),
		),
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  spotifyauth.AuthURL,
				TokenURL: spotifyauth.TokenURL,
			},
		},
		httpClient: httpClient,
	}
}

func (a *spotifyAuthorizationServer) withHTTPClient(ctx context.Context) context.Context {
	if a.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

func (a *spotifyAuthorizationServer) AuthURL(state string) string {
	return a.auth.AuthURL(state)
}

func (a *spotifyAuthorizationServer) ExchangeCode(ctx context.Context, code string) (*TokenGrant, error) {
	tok, err := a.auth.Exchange(a.withHTTPClient(ctx), code)
	if err != nil {
		return nil, err
	}
	return newTokenGrant(tok, ""), nil
}

func (a *spotifyAuthorizationServer) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	if refreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	src := a.oauth.TokenSource(
		a.withHTTPClient(ctx),
		&oauth2.Token{RefreshToken: refreshToken},
	)
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	return newTokenGrant(tok, refreshToken), nil
}

// newTokenGrant converts an oauth2 token. The oauth2 package fills in
// the refresh token it was given when the server doesn't return a new
// one, which is reported here as no new refresh token.
func newTokenGrant(tok *oauth2.Token, previousRefreshToken string) *TokenGrant {
	grant := &TokenGrant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
		Expiry:       tok.Expiry,
	}
	if grant.RefreshToken == previousRefreshToken {
		grant.RefreshToken = ""
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		grant.Scope = strings.TrimSpace(scope)
	}
	return grant
}
