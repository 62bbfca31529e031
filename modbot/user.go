package modbot

import (
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"time"
)

var (
	columnUserID         = "user_id"
	columnUserUsername   = "username"
	columnUserGlobalName = "global_name"
	columnUserLastSeen   = "last_seen"
)

// User is a record of a Discord user who has interacted with the bot.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type User struct {
	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Bot users are never moderated or prompted
	Bot bool `json:"bot" gorm:"type:bool"`

	// JSON content of the discord user object
	Content string `json:"content" gorm:"type:string"`

	// LastSeen is the last time this user sent a DM, a channel message
	// or used a slash command
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

func NewUser(u discordgo.User) (*User, error) {
	content, err := json.Marshal(u)
	return &User{
		ID:         u.ID,
		Username:   u.Username,
		Content:    string(content),
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		LastSeen:   time.Now().UTC().UnixMilli(),
	}, err
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

// DisplayName returns the user's global name, falling back to
// their username
func (u *User) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
		slog.Int64(columnUserLastSeen, u.LastSeen),
	)
}

func (u *User) changedDiscordUsername(du discordgo.User) bool {
	return u.Username != du.Username || u.GlobalName != du.GlobalName
}
