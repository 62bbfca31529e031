package modbot

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

type playlistFixture struct {
	*conversationFixture
	playlists *Playlists
}

func newPlaylistFixture(t testing.TB) *playlistFixture {
	t.Helper()
	f := &playlistFixture{conversationFixture: newConversationFixture(t)}
	f.music.account = &SpotifyAccount{ID: "spotify-owner", DisplayName: "Owner"}
	f.music.searchTracks = []Track{
		{ID: "t9", Name: "Giant Steps", Artists: []string{"John Coltrane"}},
		{ID: "t10", Name: "Naima", Artists: []string{"John Coltrane"}},
	}
	f.playlists = NewPlaylists(f.db, NewUserMusic(f.tokens, f.music, time.Second), nil)
	return f
}

func TestPlaylists_Create(t *testing.T) {
	t.Parallel()
	f := newPlaylistFixture(t)
	ctx := context.Background()
	storeCredential(t, f.db, f.clock, "owner", time.Hour, "refresh-owner")

	playlist, err := f.playlists.Create(ctx, "owner", "  road trip ")
	require.NoError(t, err)
	assert.Equal(t, "road trip", playlist.Name)
	assert.Equal(t, "pl-road trip", playlist.PlaylistID)
	assert.Equal(t, "owner", playlist.OwnerID)

	calls := f.music.Calls("CreatePlaylist")
	require.Len(t, calls, 1)
	assert.Equal(t, "access-owner", calls[0].Token)
	assert.Equal(t, "spotify-owner:road trip", calls[0].Arg)

	stored, err := f.db.GetPlaylist(ctx, "road trip")
	require.NoError(t, err)
	assert.Equal(t, playlist.PlaylistID, stored.PlaylistID)

	_, err = f.playlists.Create(ctx, "owner", "road trip")
	require.ErrorIs(t, err, ErrPlaylistExists)
	assert.Len(t, f.music.Calls("CreatePlaylist"), 1)
}

func TestPlaylists_CreateNotAuthenticated(t *testing.T) {
	t.Parallel()
	f := newPlaylistFixture(t)

	_, err := f.playlists.Create(context.Background(), "u1", "road trip")
	require.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Empty(t, f.music.Calls(""))

	_, err = f.playlists.Create(context.Background(), "u1", "   ")
	require.Error(t, err)
}

func TestPlaylists_AddAsCollaborator(t *testing.T) {
	t.Parallel()
	f := newPlaylistFixture(t)
	ctx := context.Background()
	storeCredential(t, f.db, f.clock, "owner", time.Hour, "refresh-owner")
	storeCredential(t, f.db, f.clock, "friend", time.Hour, "refresh-friend")
	_, err := f.playlists.Create(ctx, "owner", "road trip")
	require.NoError(t, err)

	track, playlist, err := f.playlists.Add(ctx, "friend", "road trip", "giant steps")
	require.NoError(t, err)
	assert.Equal(t, "Giant Steps", track.Name)
	assert.Equal(t, "road trip", playlist.Name)

	search := f.music.Calls("Search")
	require.Len(t, search, 1)
	assert.Equal(t, "access-friend", search[0].Token)
	assert.Equal(t, "giant steps", search[0].Arg)

	added := f.music.Calls("AddTracks")
	require.Len(t, added, 1)
	assert.Equal(t, "access-owner", added[0].Token, "tracks are added as the owner")
	assert.Equal(t, "pl-road trip:[t9]", added[0].Arg)
}

func TestPlaylists_AddOwnerUnavailable(t *testing.T) {
	t.Parallel()
	f := newPlaylistFixture(t)
	ctx := context.Background()
	storeCredential(t, f.db, f.clock, "friend", time.Hour, "refresh-friend")
	require.NoError(
		t, f.db.PutPlaylist(
			ctx, &CollaborativePlaylist{Name: "road trip", PlaylistID: "pl1", OwnerID: "owner"},
		),
	)

	_, _, err := f.playlists.Add(ctx, "friend", "road trip", "giant steps")
	require.ErrorIs(t, err, ErrPlaylistOwnerUnavailable)
	require.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Empty(t, f.music.Calls("AddTracks"))

	_, _, err = f.playlists.List(ctx, "road trip")
	require.ErrorIs(t, err, ErrPlaylistOwnerUnavailable)
}

func TestPlaylists_AddNotFound(t *testing.T) {
	t.Parallel()
	f := newPlaylistFixture(t)
	ctx := context.Background()
	storeCredential(t, f.db, f.clock, "owner", time.Hour, "refresh-owner")

	_, _, err := f.playlists.Add(ctx, "owner", "nope", "giant steps")
	require.ErrorIs(t, err, ErrPlaylistNotFound)

	_, err = f.playlists.Create(ctx, "owner", "road trip")
	require.NoError(t, err)
	f.music.searchTracks = nil
	_, _, err = f.playlists.Add(ctx, "owner", "road trip", "zzzzzz")
	require.ErrorIs(t, err, ErrTrackNotFound)
}

func TestPlaylists_List(t *testing.T) {
	t.Parallel()
	f := newPlaylistFixture(t)
	ctx := context.Background()
	storeCredential(t, f.db, f.clock, "owner", time.Hour, "refresh-owner")
	_, err := f.playlists.Create(ctx, "owner", "road trip")
	require.NoError(t, err)
	f.music.playlistTracks = []Track{{ID: "t9", Name: "Giant Steps", Artists: []string{"John Coltrane"}}}

	tracks, playlist, err := f.playlists.List(ctx, "road trip")
	require.NoError(t, err)
	assert.Equal(t, "road trip", playlist.Name)
	require.Len(t, tracks, 1)
	assert.Equal(t, "Giant Steps by John Coltrane", tracks[0].String())

	_, _, err = f.playlists.List(ctx, "unknown")
	require.ErrorIs(t, err, ErrPlaylistNotFound)
}
