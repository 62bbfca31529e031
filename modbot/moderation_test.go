package modbot

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func callIndex(calls []sessionCall, method string) int {
	for i, c := range calls {
		if c.Method == method {
			return i
		}
	}
	return -1
}

func TestModeration_Flagged(t *testing.T) {
	bot := newTestBot(t)
	bot.mod.flagged = []string{"badword"}
	bot.mod.categories = []string{"harassment", "hate/threatening"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	user := newDiscordUser(t)
	dmChannel := "dm-" + user.ID

	bot.handleMessage(ctx, guildMessage(user, "you badword"))

	require.Eventually(
		t,
		func() bool { return len(bot.session.Sent(dmChannel)) == 1 },
		5*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, []string{fmt.Sprintf(flaggedMessageNotice, "you badword")}, bot.session.Sent(dmChannel))

	calls := bot.session.Calls()
	deleted := callIndex(calls, "ChannelMessageDelete")
	require.GreaterOrEqual(t, deleted, 0)
	assert.Equal(t, "general", calls[deleted].ChannelID)
	assert.Equal(t, "guild-message", calls[deleted].MessageID)
	assert.Less(t, deleted, callIndex(calls, "UserChannelCreate"), "the message is deleted before the DM")

	state, ok := bot.conversations.State(user.ID).(MessageFlagged)
	require.True(t, ok)
	assert.Equal(t, "you badword", state.Content)

	bot.handleMessage(ctx, directMessage(user, "learn more"))
	require.Eventually(
		t,
		func() bool { return len(bot.session.Sent(dmChannel)) == 2 },
		5*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(
		t,
		"Your message\n`you badword`\nwas flagged due to: Harassment, Hate Threatening.",
		bot.session.Sent(dmChannel)[1],
	)

	assert.Equal(t, 1.0, metricValue(t, bot.metrics, "modbot_messages_moderated_total", nil))
	assert.Equal(t, 1.0, metricValue(t, bot.metrics, "modbot_messages_flagged_total", nil))
}

func TestModeration_NotFlagged(t *testing.T) {
	bot := newTestBot(t)
	bot.mod.flagged = []string{"badword"}
	user := newDiscordUser(t)

	bot.handleMessage(context.Background(), guildMessage(user, "what a lovely day"))
	bot.handlersWG.Wait()

	assert.Equal(t, []string{"what a lovely day"}, bot.mod.Texts())
	assert.Empty(t, bot.session.Calls())
	assert.Equal(t, StateIdle, bot.conversations.State(user.ID).Name())
	assert.Equal(t, 1.0, metricValue(t, bot.metrics, "modbot_messages_moderated_total", nil))
	assert.Zero(t, metricValue(t, bot.metrics, "modbot_messages_flagged_total", nil))
}

func TestModeration_ClassifyError(t *testing.T) {
	bot := newTestBot(t)
	bot.mod.flagged = []string{"badword"}
	bot.mod.err = newExternalServiceError("openai_moderation", assert.AnError)
	user := newDiscordUser(t)

	bot.handleMessage(context.Background(), guildMessage(user, "badword"))
	bot.handlersWG.Wait()

	assert.Len(t, bot.mod.Texts(), 1)
	assert.Empty(t, bot.session.Calls(), "messages stay up when they can't be classified")
}

func TestModeration_EmptyContent(t *testing.T) {
	bot := newTestBot(t)
	user := newDiscordUser(t)

	bot.handleMessage(context.Background(), guildMessage(user, "  \n"))
	bot.handlersWG.Wait()
	assert.Empty(t, bot.mod.Texts())
}

func TestModeration_DeleteFailureStillNotifies(t *testing.T) {
	bot := newTestBot(t)
	bot.mod.flagged = []string{"badword"}
	bot.session.setErr("ChannelMessageDelete", assert.AnError)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	user := newDiscordUser(t)

	bot.handleMessage(ctx, guildMessage(user, "badword"))
	require.Eventually(
		t,
		func() bool { return len(bot.session.Sent("dm-"+user.ID)) == 1 },
		5*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, StateMessageFlagged, bot.conversations.State(user.ID).Name())
}
