package modbot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
	"time"
)

// testBot is a ModBot wired to mocks of every outside service. gin's
// mode is global, so tests using it shouldn't run in parallel.
type testBot struct {
	*ModBot
	session *mockDiscordSession
	mod     *mockModerator
	gen     *mockGenerator
	spotify *mockMusicService
	auth    *mockAuthServer
	clock   *fakeClock
}

func newTestBot(t testing.TB, modify ...func(cfg *Config)) *testBot {
	t.Helper()
	cfg := DefaultTestConfig(t)
	for _, f := range modify {
		f(cfg)
	}

	tb := &testBot{
		session: newMockDiscordSession(),
		mod:     &mockModerator{categories: []string{"harassment"}},
		gen:     &mockGenerator{responses: []string{testTriviaText}},
		spotify: &mockMusicService{},
		auth: &mockAuthServer{
			exchangeGrant: &TokenGrant{AccessToken: "exchanged-access", ExpiresIn: 3600},
			refreshGrant:  &TokenGrant{AccessToken: "refreshed-access", ExpiresIn: 3600},
		},
		clock: newFakeClock(testClockStart),
	}
	b, err := newModBot(
		cfg,
		slog.New(newLogHandler(defaultLogWriter, cfg.LogLevel)),
		collaborators{
			db:        setupTestDB(t),
			session:   tb.session,
			moderator: tb.mod,
			generator: tb.gen,
			music:     tb.spotify,
			auth:      tb.auth,
			clock:     tb.clock,
		},
	)
	require.NoError(t, err)
	tb.ModBot = b
	return tb
}

// connect stores a credential for the user that won't need refreshing
func (tb *testBot) connect(t testing.TB, userID string) {
	t.Helper()
	storeCredential(t, tb.db, tb.clock, userID, time.Hour, "refresh-"+userID)
}

func newCommandInteraction(
	user *discordgo.User,
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-" + name,
			AppID:     "app-test",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   "guild",
			ChannelID: "general",
			Token:     "interaction-token",
			Member:    &discordgo.Member{User: user},
			Data: discordgo.ApplicationCommandInteractionData{
				ID:      "command-" + name,
				Name:    name,
				Options: options,
			},
		},
	}
}

func stringOption(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

// intOption mirrors the gateway's JSON decoding, which gives integer
// options as float64
func intOption(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

func userOption(name string, userID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionUser,
		Value: userID,
	}
}

func subcommand(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:    name,
		Type:    discordgo.ApplicationCommandOptionSubCommand,
		Options: options,
	}
}

func directMessage(user *discordgo.User, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "dm-message",
		ChannelID: "dm-" + user.ID,
		Author:    user,
		Content:   content,
	}
}

func guildMessage(user *discordgo.User, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "guild-message",
		GuildID:   "guild",
		ChannelID: "general",
		Author:    user,
		Content:   content,
	}
}

func TestModBot_Run(t *testing.T) {
	bot := newTestBot(
		t, func(cfg *Config) {
			cfg.Trivia.Enabled = true
		},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- bot.Run(ctx)
	}()

	select {
	case <-bot.Ready():
	case err := <-done:
		t.Fatalf("bot stopped before ready: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for bot to be ready")
	}

	calls := bot.session.Calls("Open", "ApplicationCommandBulkOverwrite")
	require.Len(t, calls, 2)
	assert.Equal(t, "Open", calls[0].Method)
	assert.Equal(t, "app-test", calls[1].Content)

	bot.session.mu.Lock()
	handlers := bot.session.handlers
	bot.session.mu.Unlock()
	assert.Equal(t, 5, handlers)

	require.Eventually(t, func() bool { return bot.callbackServer.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return bot.clock.Waiters() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for bot to stop")
	}

	assert.Len(t, bot.session.Calls("Close"), 1)
	bot.session.mu.Lock()
	assert.Zero(t, bot.session.handlers)
	bot.session.mu.Unlock()
}

func TestModBot_RunOpenError(t *testing.T) {
	bot := newTestBot(t)
	bot.session.setErr("Open", assert.AnError)

	err := bot.Run(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, bot.session.Calls("ApplicationCommandBulkOverwrite"))
}

func TestModBot_HandleInteraction(t *testing.T) {
	bot := newTestBot(t)
	ctx := context.Background()
	user := newDiscordUser(t)

	bot.handleInteraction(ctx, newCommandInteraction(user, DiscordSlashCommandPlaying))

	var logs []InteractionLog
	require.NoError(t, bot.db.DB().Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "interaction-playing", logs[0].InteractionID)
	assert.Equal(t, DiscordSlashCommandPlaying, logs[0].Command)
	assert.Equal(t, user.ID, logs[0].UserID)
	assert.NotEmpty(t, logs[0].RequestID)

	var stored User
	require.NoError(t, bot.db.DB().First(&stored, "id = ?", user.ID).Error)
	assert.Equal(t, user.Username, stored.Username)

	assert.Len(t, bot.session.Responses(), 1)
	assert.Equal(
		t,
		1.0,
		metricValue(t, bot.metrics, "modbot_commands_total", map[string]string{"command": DiscordSlashCommandPlaying}),
	)
}

func TestModBot_HandleInteractionNoUser(t *testing.T) {
	bot := newTestBot(t)
	i := newCommandInteraction(nil, DiscordSlashCommandPlaying)
	i.Member = nil

	bot.handleInteraction(context.Background(), i)
	assert.Empty(t, bot.session.Calls())

	var count int64
	require.NoError(t, bot.db.DB().Model(&InteractionLog{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestModBot_HandleInteractionNonCommand(t *testing.T) {
	bot := newTestBot(t)
	i := newCommandInteraction(newDiscordUser(t), DiscordSlashCommandPlaying)
	i.Type = discordgo.InteractionMessageComponent
	i.Data = discordgo.MessageComponentInteractionData{CustomID: "button"}

	bot.handleInteraction(context.Background(), i)
	assert.Empty(t, bot.session.Calls())
}

func TestModBot_DirectMessages(t *testing.T) {
	bot := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	user := newDiscordUser(t)
	dmChannel := "dm-" + user.ID

	bot.handleMessage(ctx, directMessage(user, "report"))
	bot.handleMessage(ctx, directMessage(user, "yes"))
	bot.handleMessage(ctx, directMessage(user, "someone is spamming links"))
	bot.handleMessage(ctx, directMessage(user, "hello?"))

	require.Eventually(
		t,
		func() bool { return len(bot.session.Sent(dmChannel)) == 3 },
		5*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(
		t,
		[]string{replyReportIntro, replyReportAsk, replyReportFiled},
		bot.session.Sent(dmChannel),
	)
	assert.Empty(t, bot.mod.Texts(), "direct messages aren't moderated")
}

func TestModBot_IgnoresBots(t *testing.T) {
	bot := newTestBot(t)
	ctx := context.Background()

	botUser := &discordgo.User{ID: "other-bot", Username: "other", Bot: true}
	bot.handleMessage(ctx, guildMessage(botUser, "badword"))
	bot.handleMessage(ctx, directMessage(botUser, "help"))

	self := &discordgo.User{ID: "app-test", Username: "modbot"}
	bot.handleMessage(ctx, guildMessage(self, "badword"))
	bot.handleMessage(ctx, &discordgo.Message{ID: "no-author", GuildID: "guild", Content: "badword"})

	bot.handlersWG.Wait()
	assert.Empty(t, bot.mod.Texts())
	assert.Zero(t, bot.workers.Running())
	assert.Empty(t, bot.session.Calls())
}

func TestModBot_NotifyConnected(t *testing.T) {
	bot := newTestBot(t)

	bot.notifyConnected(context.Background(), "u1")
	assert.Equal(t, []string{replySpotifyConnected}, bot.session.Sent("dm-u1"))
}
