package modbot

import (
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"log/slog"
)

// InteractionLog is a record of every slash command interaction
// received over the gateway.
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	RequestID     string `json:"request_id" gorm:"type:string;index"`
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	Command       string `json:"command" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null;index"`
	Username      string `json:"username" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		RequestID:     uuid.NewString(),
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		interactionLog.Command = i.ApplicationCommandData().Name
	}
	return interactionLog, nil
}

func (l InteractionLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("request_id", l.RequestID),
		slog.String("interaction_id", l.InteractionID),
		slog.String("command", l.Command),
		slog.String(columnUserID, l.UserID),
	)
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Guild interactions set Member, and DM interactions set User.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}
