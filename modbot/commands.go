package modbot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandConnect   = "connect"
	DiscordSlashCommandPlaying   = "playing"
	DiscordSlashCommandTop       = "top"
	DiscordSlashCommandAccount   = "account"
	DiscordSlashCommandProfile   = "profile"
	DiscordSlashCommandRecommend = "recommend"
	DiscordSlashCommandPlaylist  = "playlist"

	playlistSubcommandCreate = "create"
	playlistSubcommandAdd    = "add"
	playlistSubcommandList   = "list"

	commandOptionKind     = "kind"
	commandOptionLimit    = "limit"
	commandOptionUser     = "user"
	commandOptionCategory = "category"
	commandOptionName     = "name"
	commandOptionQuery    = "query"

	topKindTracks  = "tracks"
	topKindArtists = "artists"

	defaultTopLimit = 5
	maxTopLimit     = 10
)

const (
	replyNotAuthenticated  = "You need to connect your Spotify account first. Run `/connect`."
	replyRefreshFailed     = "Your Spotify connection has expired. Run `/connect` again to reconnect."
	replyExternalService   = "Sorry, I couldn't reach Spotify right now. Please try again later."
	replyGenerationFailed  = "I couldn't come up with anything this time. Please try again in a bit."
	replyNoProfile         = "You don't have a music profile yet. Send me `music` in a DM to create one."
	replyPlaylistNotFound  = "I couldn't find a playlist with that name."
	replyPlaylistExists    = "A playlist with that name already exists."
	replyTrackNotFound     = "I couldn't find a track matching that search."
	replyPlaylistOwnerGone = "The owner of that playlist needs to reconnect their Spotify account with `/connect`."
	replyNothingPlaying    = "No music is currently playing."
	replyConnect           = "Connect your Spotify account here: %s\nThe link expires in %s."
)

// ephemeralCommands respond only to the invoking user
var ephemeralCommands = map[string]bool{
	DiscordSlashCommandConnect: true,
	DiscordSlashCommandAccount: true,
}

// slashCommands returns the application commands registered on startup
func slashCommands() []*discordgo.ApplicationCommand {
	minLimit := float64(1)
	minLength := 1

	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandConnect,
			Description: "Connect your Spotify account",
		},
		{
			Name:        DiscordSlashCommandPlaying,
			Description: "Show what you're listening to on Spotify",
		},
		{
			Name:        DiscordSlashCommandTop,
			Description: "Show your top tracks or artists on Spotify",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionKind,
					Description: "Tracks or artists",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "Tracks", Value: topKindTracks},
						{Name: "Artists", Value: topKindArtists},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        commandOptionLimit,
					Description: "How many to show",
					MinValue:    &minLimit,
					MaxValue:    maxTopLimit,
				},
			},
		},
		{
			Name:        DiscordSlashCommandAccount,
			Description: "Show the Spotify account you've connected",
		},
		{
			Name:        DiscordSlashCommandProfile,
			Description: "Share a music profile",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        commandOptionUser,
					Description: "Whose profile to show (defaults to yours)",
				},
			},
		},
		{
			Name:        DiscordSlashCommandRecommend,
			Description: "Get a music recommendation based on your profile",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionCategory,
					Description: "What to recommend",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "Song", Value: string(RecommendSong)},
						{Name: "Artist", Value: string(RecommendArtist)},
						{Name: "Album", Value: string(RecommendAlbum)},
						{Name: "Random", Value: string(RecommendRandom)},
					},
				},
			},
		},
		{
			Name:        DiscordSlashCommandPlaylist,
			Description: "Collaborative playlists",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        playlistSubcommandCreate,
					Description: "Create a collaborative playlist on your Spotify account",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        commandOptionName,
							Description: "Playlist name",
							Required:    true,
							MinLength:   &minLength,
							MaxLength:   100,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        playlistSubcommandAdd,
					Description: "Search for a track and add it to a playlist",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        commandOptionName,
							Description: "Playlist name",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        commandOptionQuery,
							Description: "Track to search for",
							Required:    true,
							MinLength:   &minLength,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        playlistSubcommandList,
					Description: "List the tracks of a playlist",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        commandOptionName,
							Description: "Playlist name",
							Required:    true,
						},
					},
				},
			},
		},
	}
}

// commandResponse is the content a command edits into its deferred
// response
type commandResponse struct {
	Content string
	Embeds  []*discordgo.MessageEmbed
}

type commandHandler func(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) (*commandResponse, error)

func (b *ModBot) commandHandlers() map[string]commandHandler {
	return map[string]commandHandler{
		DiscordSlashCommandConnect:   b.commandConnect,
		DiscordSlashCommandPlaying:   b.commandPlaying,
		DiscordSlashCommandTop:       b.commandTop,
		DiscordSlashCommandAccount:   b.commandAccount,
		DiscordSlashCommandProfile:   b.commandProfile,
		DiscordSlashCommandRecommend: b.commandRecommend,
		DiscordSlashCommandPlaylist:  b.commandPlaylist,
	}
}

// ackResponse defers the response, so the command has 15 minutes to
// edit in the real one
func ackResponse(command string) *discordgo.InteractionResponse {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{},
	}
	if ephemeralCommands[command] {
		resp.Data.Flags = discordgo.MessageFlagsEphemeral
	}
	return resp
}

// runCommand acknowledges the interaction, runs the command and edits
// its result (or an error reply) into the response
func (b *ModBot) runCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	name := i.ApplicationCommandData().Name
	log := contextLoggerOr(ctx, b.logger).With("command", name, columnUserID, user.ID)
	ctx = WithLogger(ctx, log)

	handler, ok := b.commandHandlers()[name]
	if !ok {
		log.WarnContext(ctx, "unknown command")
		return
	}
	b.metrics.Commands.WithLabelValues(name).Inc()

	session := b.discord.session
	if err := session.InteractionRespond(i.Interaction, ackResponse(name)); err != nil {
		log.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	resp, err := handler(ctx, i, user)
	if err != nil {
		log.ErrorContext(ctx, "command failed", tint.Err(err))
		resp = &commandResponse{Content: b.errorReply(err)}
	}
	content := shortenString(resp.Content, discordMaxMessageLength)
	edit := &discordgo.WebhookEdit{Content: &content}
	if len(resp.Embeds) > 0 {
		edit.Embeds = &resp.Embeds
	}
	if _, err = session.InteractionResponseEdit(i.Interaction, edit); err != nil {
		log.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
}

// errorReply maps a command error to the message shown to the user
func (b *ModBot) errorReply(err error) string {
	switch {
	case errors.Is(err, ErrPlaylistOwnerUnavailable):
		return replyPlaylistOwnerGone
	case errors.Is(err, ErrNotAuthenticated):
		return replyNotAuthenticated
	case errors.Is(err, ErrRefreshFailed):
		return replyRefreshFailed
	case errors.Is(err, ErrNoProfile):
		return replyNoProfile
	case errors.Is(err, ErrPlaylistNotFound):
		return replyPlaylistNotFound
	case errors.Is(err, ErrPlaylistExists):
		return replyPlaylistExists
	case errors.Is(err, ErrTrackNotFound):
		return replyTrackNotFound
	case errors.Is(err, ErrGenerationFormat):
		return replyGenerationFailed
	case errors.Is(err, ErrExternalService), errors.Is(err, context.DeadlineExceeded):
		return replyExternalService
	default:
		return b.config.Discord.ErrorMessage
	}
}

func (b *ModBot) commandConnect(
	_ context.Context,
	_ *discordgo.InteractionCreate,
	user *discordgo.User,
) (*commandResponse, error) {
	_, state, err := b.tokens.AuthorizationURL(user.ID)
	if err != nil {
		return nil, fmt.Errorf("error creating authorization state: %w", err)
	}
	loginURL := strings.TrimRight(b.config.CallbackServer.ExternalURL, "/") +
		callbackPathLogin + "?" + url.Values{"state": {state}}.Encode()
	return &commandResponse{
		Content: fmt.Sprintf(replyConnect, loginURL, b.config.CallbackServer.StateTTL),
	}, nil
}

// musicCall gets the user a valid access token, then runs f with it
// under the external call timeout
func (b *ModBot) musicCall(
	ctx context.Context,
	userID string,
	f func(ctx context.Context, token string) error,
) error {
	token, err := b.userMusic.AccessToken(ctx, userID)
	if err != nil {
		return err
	}
	ctx, cancel := b.userMusic.callContext(ctx)
	defer cancel()
	return f(ctx, token)
}

func (b *ModBot) commandPlaying(
	ctx context.Context,
	_ *discordgo.InteractionCreate,
	user *discordgo.User,
) (*commandResponse, error) {
	var track *Track
	err := b.musicCall(
		ctx, user.ID, func(ctx context.Context, token string) (err error) {
			track, err = b.music.CurrentlyPlaying(ctx, token)
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	if track == nil {
		return &commandResponse{Content: replyNothingPlaying}, nil
	}
	return &commandResponse{
		Content: fmt.Sprintf("Now playing: **%s**", track),
		Embeds:  []*discordgo.MessageEmbed{trackEmbed(track)},
	}, nil
}

func trackEmbed(t *Track) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       t.Name,
		URL:         t.URL,
		Description: "by " + strings.Join(t.Artists, ", "),
	}
	if t.Album != "" {
		embed.Fields = []*discordgo.MessageEmbedField{{Name: "Album", Value: t.Album, Inline: true}}
	}
	if t.AlbumArtURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: t.AlbumArtURL}
	}
	return embed
}

func (b *ModBot) commandTop(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) (*commandResponse, error) {
	opts := discordInteractionOptions(i)
	kind := topKindTracks
	if opt, ok := opts[commandOptionKind]; ok {
		kind = opt.StringValue()
	}
	limit := defaultTopLimit
	if opt, ok := opts[commandOptionLimit]; ok {
		limit = int(opt.IntValue())
	}
	limit = min(max(limit, 1), maxTopLimit)

	var lines []string
	err := b.musicCall(
		ctx, user.ID, func(ctx context.Context, token string) error {
			if kind == topKindArtists {
				artists, err := b.music.TopArtists(ctx, token, limit)
				for n, a := range artists {
					lines = append(lines, fmt.Sprintf("%d. %s", n+1, a.Name))
				}
				return err
			}
			tracks, err := b.music.TopTracks(ctx, token, limit)
			for n, t := range tracks {
				lines = append(lines, fmt.Sprintf("%d. %s", n+1, t))
			}
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return &commandResponse{Content: fmt.Sprintf("You don't have any top %s yet.", kind)}, nil
	}
	return &commandResponse{
		Content: fmt.Sprintf("**Your top %s:**\n%s", kind, strings.Join(lines, "\n")),
	}, nil
}

func (b *ModBot) commandAccount(
	ctx context.Context,
	_ *discordgo.InteractionCreate,
	user *discordgo.User,
) (*commandResponse, error) {
	var account *SpotifyAccount
	err := b.musicCall(
		ctx, user.ID, func(ctx context.Context, token string) (err error) {
			account, err = b.music.CurrentUser(ctx, token)
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	name := account.DisplayName
	if name == "" {
		name = account.ID
	}
	return &commandResponse{
		Content: fmt.Sprintf("Connected Spotify account: **%s** (%s)", name, account.URL),
	}, nil
}

func (b *ModBot) commandProfile(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) (*commandResponse, error) {
	target := user.ID
	if opt, ok := discordInteractionOptions(i)[commandOptionUser]; ok {
		if u := opt.UserValue(nil); u != nil {
			target = u.ID
		}
	}
	profile, err := b.db.GetProfile(ctx, target)
	switch {
	case err == nil:
		return &commandResponse{Content: formatProfile(profile)}, nil
	case errors.Is(err, ErrNotFound) && target == user.ID:
		return nil, ErrNoProfile
	case errors.Is(err, ErrNotFound):
		return &commandResponse{
			Content: fmt.Sprintf("<@%s> hasn't created a music profile yet.", target),
		}, nil
	default:
		return nil, err
	}
}

func (b *ModBot) commandRecommend(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) (*commandResponse, error) {
	category := RecommendRandom
	if opt, ok := discordInteractionOptions(i)[commandOptionCategory]; ok {
		category = RecommendationCategory(opt.StringValue())
	}
	suggestion, err := b.recommender.Recommend(ctx, user.ID, category)
	if err != nil {
		return nil, err
	}
	article := "a"
	if category == RecommendArtist || category == RecommendAlbum {
		article = "an"
	}
	if category == RecommendRandom {
		return &commandResponse{Content: fmt.Sprintf("Here's something for you: **%s**", suggestion)}, nil
	}
	return &commandResponse{
		Content: fmt.Sprintf("Here's %s %s for you: **%s**", article, category, suggestion),
	}, nil
}

func (b *ModBot) commandPlaylist(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) (*commandResponse, error) {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return nil, errors.New("missing playlist subcommand")
	}
	sub := data.Options[0]
	opts := optionMap(sub.Options)
	var name, query string
	if opt, ok := opts[commandOptionName]; ok {
		name = opt.StringValue()
	}
	if opt, ok := opts[commandOptionQuery]; ok {
		query = opt.StringValue()
	}

	switch sub.Name {
	case playlistSubcommandCreate:
		playlist, err := b.playlists.Create(ctx, user.ID, name)
		if err != nil {
			return nil, err
		}
		return &commandResponse{
			Content: fmt.Sprintf(
				"Created collaborative playlist **%s**: %s\nAdd tracks with `/playlist add`.",
				playlist.Name,
				playlist.URL,
			),
		}, nil
	case playlistSubcommandAdd:
		track, playlist, err := b.playlists.Add(ctx, user.ID, name, query)
		if err != nil {
			return nil, err
		}
		return &commandResponse{
			Content: fmt.Sprintf("Added **%s** to **%s**.", track, playlist.Name),
		}, nil
	case playlistSubcommandList:
		tracks, playlist, err := b.playlists.List(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(tracks) == 0 {
			return &commandResponse{
				Content: fmt.Sprintf("**%s** is empty. Add tracks with `/playlist add`.", playlist.Name),
			}, nil
		}
		lines := make([]string, 0, len(tracks))
		for n, t := range tracks {
			lines = append(lines, fmt.Sprintf("%d. %s", n+1, t))
		}
		return &commandResponse{
			Content: fmt.Sprintf("**%s** (%s)\n%s", playlist.Name, playlist.URL, strings.Join(lines, "\n")),
		}, nil
	default:
		return nil, fmt.Errorf("unknown playlist subcommand: %q", sub.Name)
	}
}
