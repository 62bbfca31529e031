package modbot

import (
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// handleMessage routes a gateway message. DMs go to the author's
// conversation, in order, and guild messages are moderated.
func (b *ModBot) handleMessage(ctx context.Context, m *discordgo.Message) {
	if m.Author == nil {
		return
	}
	if m.Author.Bot || m.Author.ID == b.config.Discord.ApplicationID {
		return
	}

	if m.GuildID == "" {
		b.enqueueDirectMessage(ctx, m)
		return
	}
	b.goHandle(
		ctx, func(ctx context.Context) {
			b.moderateMessage(ctx, m)
		},
	)
}

// enqueueDirectMessage queues the DM on the author's worker, so their
// conversation sees messages in the order they arrived
func (b *ModBot) enqueueDirectMessage(ctx context.Context, m *discordgo.Message) {
	log := contextLoggerOr(ctx, b.logger).With(messageLogAttrs(m)...)
	author := *m.Author
	err := b.workers.Enqueue(
		ctx, author.ID, func(ctx context.Context) {
			ctx = WithLogger(ctx, log)
			if _, _, err := b.db.GetOrCreateUser(ctx, author); err != nil {
				log.ErrorContext(ctx, "error getting user", tint.Err(err))
			}
			reply := b.conversations.HandleDirectMessage(ctx, author.ID, m.Content)
			if reply == "" {
				return
			}
			if _, err := b.discord.session.ChannelMessageSend(
				m.ChannelID,
				shortenString(reply, discordMaxMessageLength),
			); err != nil {
				log.ErrorContext(ctx, "error sending reply", tint.Err(err))
			}
		},
	)
	if err != nil {
		log.ErrorContext(ctx, "error queueing direct message", tint.Err(err))
	}
}

// moderateMessage classifies a guild message. A flagged message is
// deleted, and then the author's worker records the flag and DMs them
// about it. Any later DM from the author is handled after that notice.
func (b *ModBot) moderateMessage(ctx context.Context, m *discordgo.Message) {
	if strings.TrimSpace(m.Content) == "" {
		return
	}
	log := contextLoggerOr(ctx, b.logger).With(messageLogAttrs(m)...)
	b.metrics.MessagesModerated.Inc()

	classifyCtx, cancel := context.WithTimeout(ctx, b.config.ExternalCallTimeout)
	result, err := b.moderator.Classify(classifyCtx, m.Content)
	cancel()
	if err != nil {
		log.ErrorContext(ctx, "error classifying message", tint.Err(err))
		return
	}
	if !result.Flagged {
		log.DebugContext(ctx, "message not flagged")
		return
	}

	b.metrics.MessagesFlagged.Inc()
	log.InfoContext(ctx, "message flagged", "categories", result.Categories)
	if err = b.discord.session.ChannelMessageDelete(m.ChannelID, m.ID); err != nil {
		log.ErrorContext(ctx, "error deleting flagged message", tint.Err(err))
	}

	userID := m.Author.ID
	content := m.Content
	categories := result.Categories
	err = b.workers.Enqueue(
		ctx, userID, func(ctx context.Context) {
			notice := b.conversations.RecordFlagged(userID, content, categories)
			if _, e := b.discord.sendDM(userID, notice); e != nil {
				log.ErrorContext(ctx, "error sending flagged message notice", tint.Err(e))
			}
		},
	)
	if err != nil {
		log.ErrorContext(ctx, "error queueing flagged message notice", tint.Err(err))
	}
}
