package modbot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// Discord wraps the discord session with the bot's logging and
// connection bookkeeping
type Discord struct {
	session           DiscordSessionHandler
	config            *DiscordConfig
	logger            *slog.Logger
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config: config,
		logger: newComponentLogger("discord", config.LogLevel),
	}
}

// newSession initializes a new discordgo session, with discordgo's own
// logging bridged to slog
func (d *Discord) newSession(ctx context.Context) (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = true
	// handlers are invoked in gateway order, and must not block
	disc.SyncEvents = true
	disc.Identify.Intents = d.config.GatewayIntents
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	session.session = disc

	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		newLogHandler(defaultLogWriter, d.config.DiscordGoLogLevel),
	)
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// sendDM opens (or reuses) the DM channel with the user and sends
// the message to it
func (d *Discord) sendDM(userID string, content string) (*discordgo.Message, error) {
	channel, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return nil, fmt.Errorf("error creating dm channel: %w", err)
	}
	return d.session.ChannelMessageSend(channel.ID, truncate(content, discordMaxMessageLength))
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		attrs := []any{"session_id", r.SessionID}
		if r.User != nil {
			attrs = append(attrs, columnUserID, r.User.ID, "username", r.User.Username)
		}
		d.logger.Info("ready", attrs...)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())

		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("error setting custom status", tint.Err(err))
			}
		}

		if d.config.NotificationChannelID == "" || d.config.StartupMessage == "" {
			return
		}
		d.logger.Info("sending notification")
		if _, err := d.session.ChannelMessageSend(
			d.config.NotificationChannelID,
			d.config.StartupMessage,
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		); err != nil {
			d.logger.Error("unable to send startup message", tint.Err(err))
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		slashCommands(),
		options...,
	)
	if err != nil {
		return created, fmt.Errorf("error overwriting discord commands: %w", err)
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	return created, nil
}

// DiscordSessionHandler defines the methods of `discordgo.Session` used
// by the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) error

	// ChannelMessagesPinned lists the pinned messages of a channel
	ChannelMessagesPinned(
		channelID string,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	ChannelMessagePin(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) error

	ChannelMessageUnpin(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) error

	// MessageReactionAdd reacts to a message with the given emoji
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		opts ...discordgo.RequestOption,
	) error

	// MessageThreadStart creates a public thread from an existing message
	MessageThreadStart(
		channelID string,
		messageID string,
		name string,
		archiveDuration int,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// UserChannelCreate returns the DM channel with the given user
	UserChannelCreate(
		recipientID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, message, opts...)
	if err != nil {
		d.logger.Error("error sending message", "channel_id", channelID, tint.Err(err))
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendEmbed(channelID, embed, opts...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) error {
	err := d.session.ChannelMessageDelete(channelID, messageID, opts...)
	if err != nil {
		d.logger.Error(
			"error deleting message",
			"channel_id", channelID,
			"message_id", messageID,
			tint.Err(err),
		)
	} else {
		d.logger.Info("deleted message", "channel_id", channelID, "message_id", messageID)
	}
	return err
}

func (d DiscordSession) ChannelMessagesPinned(
	channelID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessagesPinned(channelID, opts...)
}

func (d DiscordSession) ChannelMessagePin(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessagePin(channelID, messageID, opts...)
}

func (d DiscordSession) ChannelMessageUnpin(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageUnpin(channelID, messageID, opts...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, opts...)
}

func (d DiscordSession) MessageThreadStart(
	channelID string,
	messageID string,
	name string,
	archiveDuration int,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.MessageThreadStart(channelID, messageID, name, archiveDuration, opts...)
	if err != nil {
		d.logger.Error("error starting thread", "channel_id", channelID, tint.Err(err))
	} else {
		d.logger.Info("started thread", "thread_id", ch.ID, "name", name)
	}
	return ch, err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}
