package modbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

// StateName identifies a conversation state
type StateName string

const (
	StateIdle                      StateName = "IDLE"
	StateReportStarted             StateName = "REPORT_STARTED"
	StateReportAddingDetails       StateName = "REPORT_ADDING_DETAILS"
	StateMessageFlagged            StateName = "MESSAGE_FLAGGED_AWAITING_FOLLOWUP"
	StateProfileEditAwaitingName   StateName = "PROFILE_EDIT_AWAITING_NAME"
	StateProfileEditAwaitingGenres StateName = "PROFILE_EDIT_AWAITING_GENRES"
	StateProfileEditAwaitingArtist StateName = "PROFILE_EDIT_AWAITING_ARTISTS"
	StateProfileEditAwaitingSong   StateName = "PROFILE_EDIT_AWAITING_SONG"
	StateProfileEditAwaitingEvents StateName = "PROFILE_EDIT_AWAITING_EVENTS"
)

// ConversationState is a user's position in a DM flow, along with
// the data collected so far. The set of implementations is closed.
type ConversationState interface {
	Name() StateName
	conversationState()
}

type Idle struct{}

type ReportStarted struct{}

type ReportAddingDetails struct{}

// MessageFlagged holds a deleted message and the categories it was
// flagged for
type MessageFlagged struct {
	Content    string
	Categories []string
}

type AwaitingProfileName struct{}

type AwaitingProfileGenres struct {
	ProfileName string
}

type AwaitingProfileArtists struct {
	ProfileName string
	Genres      string
}

type AwaitingProfileSong struct {
	ProfileName string
	Genres      string
	Artists     string
}

type AwaitingProfileEvents struct {
	ProfileName string
	Genres      string
	Artists     string
	Song        string
}

func (Idle) Name() StateName                   { return StateIdle }
func (ReportStarted) Name() StateName          { return StateReportStarted }
func (ReportAddingDetails) Name() StateName    { return StateReportAddingDetails }
func (MessageFlagged) Name() StateName         { return StateMessageFlagged }
func (AwaitingProfileName) Name() StateName    { return StateProfileEditAwaitingName }
func (AwaitingProfileGenres) Name() StateName  { return StateProfileEditAwaitingGenres }
func (AwaitingProfileArtists) Name() StateName { return StateProfileEditAwaitingArtist }
func (AwaitingProfileSong) Name() StateName    { return StateProfileEditAwaitingSong }
func (AwaitingProfileEvents) Name() StateName  { return StateProfileEditAwaitingEvents }

func (Idle) conversationState()                   {}
func (ReportStarted) conversationState()          {}
func (ReportAddingDetails) conversationState()    {}
func (MessageFlagged) conversationState()         {}
func (AwaitingProfileName) conversationState()    {}
func (AwaitingProfileGenres) conversationState()  {}
func (AwaitingProfileArtists) conversationState() {}
func (AwaitingProfileSong) conversationState()    {}
func (AwaitingProfileEvents) conversationState()  {}

// ConversationStore holds each user's conversation state. A user with
// no entry is Idle.
type ConversationStore interface {
	Get(userID string) ConversationState
	Set(userID string, state ConversationState)

	// Active returns the number of users not in Idle
	Active() int
}

type memoryConversationStore struct {
	mu     sync.RWMutex
	states map[string]ConversationState
}

func NewConversationStore() ConversationStore {
	return &memoryConversationStore{states: map[string]ConversationState{}}
}

func (m *memoryConversationStore) Get(userID string) ConversationState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[userID]; ok {
		return s
	}
	return Idle{}
}

func (m *memoryConversationStore) Set(userID string, state ConversationState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state == nil || state.Name() == StateIdle {
		delete(m.states, userID)
		return
	}
	m.states[userID] = state
}

func (m *memoryConversationStore) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// keyword is a DM command recognized regardless of state
type keyword string

const (
	keywordHelp      keyword = "help"
	keywordCancel    keyword = "cancel"
	keywordReport    keyword = "report"
	keywordLearnMore keyword = "learn more"
	keywordMusic     keyword = "music"
	keywordYes       keyword = "yes"
	keywordNo        keyword = "no"
)

var globalKeywords = map[keyword]struct{}{
	keywordHelp:      {},
	keywordCancel:    {},
	keywordReport:    {},
	keywordLearnMore: {},
	keywordMusic:     {},
}

func normalizeInput(content string) keyword {
	return keyword(strings.ToLower(strings.TrimSpace(content)))
}

const (
	replyHelp = "Here's what you can send me:\n" +
		"- `report`: report a problem with a moderation decision or another member\n" +
		"- `music`: create or update your music profile\n" +
		"- `learn more`: after one of your messages is removed, find out why\n" +
		"- `cancel`: stop whatever we're in the middle of\n" +
		"- `help`: show this message"
	replyCancel       = "Okay, cancelled. Send `help` any time to see what I can do."
	replyReportIntro  = "Thanks for reaching out. Would you like to file a report with the moderation team? (`yes`/`no`)"
	replyReportAsk    = "Please describe what happened, including any usernames or messages involved, in a single message."
	replyReportNo     = "No problem, no report was filed."
	replyReportFiled  = "Thank you for submitting a report. It will be reviewed by our content moderation team."
	replyProfileIntro = "Let's set up your music profile! First, what name would you like to go by?"
	replyProfileEdit  = "Let's update your music profile! First, what name would you like to go by?"
	replyAskGenres    = "Nice to meet you, %s! What genres do you listen to?"
	replyAskArtists   = "Who are some of your favorite artists?"
	replyAskSong      = "What's your favorite song right now?"
	replyAskEvents    = "Any upcoming concerts or music events you're excited about?"
	replyProfileSaved = "Your music profile is saved! Here's what others will see with `/profile`:\n\n%s"
	replyProfileError = "Sorry, I couldn't save your music profile. Send `music` to try again."

	flaggedMessageNotice = "Your message \n`%s`\nwas flagged as potentially harmful and has been deleted. " +
		"If you'd like to know why, respond with `learn more`. " +
		"If you believe this was a mistake, respond with `report`."
	flaggedMessageReason = "Your message\n`%s`\nwas flagged due to: %s."
)

// profileTopListLimit is the number of top tracks and artists stored on
// a music profile
const profileTopListLimit = 5

// ConversationMachine interprets direct messages against each user's
// conversation state. Each message produces at most one reply.
//
// Calls for the same user must not run concurrently. Different users
// can be handled in parallel.
type ConversationMachine struct {
	states   ConversationStore
	profiles CredentialStore
	music    *UserMusic
	metrics  *Metrics
	logger   *slog.Logger
}

func NewConversationMachine(
	states ConversationStore,
	profiles CredentialStore,
	music *UserMusic,
	metrics *Metrics,
	logger *slog.Logger,
) *ConversationMachine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &ConversationMachine{
		states:   states,
		profiles: profiles,
		music:    music,
		metrics:  metrics,
		logger:   logger.With(loggerNameKey, "conversation"),
	}
}

// State returns the user's current conversation state
func (c *ConversationMachine) State(userID string) ConversationState {
	return c.states.Get(userID)
}

func (c *ConversationMachine) setState(userID string, state ConversationState) {
	c.states.Set(userID, state)
	c.metrics.ConversationsActive.Set(float64(c.states.Active()))
}

// RecordFlagged puts the user in MessageFlagged for the given message,
// and returns the notice to DM them
func (c *ConversationMachine) RecordFlagged(
	userID string,
	content string,
	categories []string,
) string {
	stored := make([]string, len(categories))
	copy(stored, categories)
	c.setState(userID, MessageFlagged{Content: content, Categories: stored})
	return fmt.Sprintf(flaggedMessageNotice, content)
}

// HandleDirectMessage applies a DM to the user's conversation state and
// returns the reply to send. An empty reply means the input was ignored.
func (c *ConversationMachine) HandleDirectMessage(
	ctx context.Context,
	userID string,
	content string,
) string {
	log := contextLoggerOr(ctx, c.logger).With(columnUserID, userID)
	current := c.states.Get(userID)
	input := normalizeInput(content)

	if _, ok := globalKeywords[input]; ok {
		if reply, handled := c.handleKeyword(ctx, userID, current, input); handled {
			log.InfoContext(
				ctx,
				"handled keyword",
				"keyword", input,
				"from", current.Name(),
				"to", c.states.Get(userID).Name(),
			)
			return reply
		}
	}

	next, reply := c.transition(ctx, userID, current, content, input)
	if next != nil {
		c.setState(userID, next)
		log.InfoContext(ctx, "conversation transition", "from", current.Name(), "to", next.Name())
	} else {
		log.DebugContext(ctx, "ignored input", "state", current.Name())
	}
	return reply
}

// handleKeyword handles the global keywords. handled is false when the
// keyword doesn't apply to the current state, and the input should be
// treated as free text.
func (c *ConversationMachine) handleKeyword(
	ctx context.Context,
	userID string,
	current ConversationState,
	input keyword,
) (reply string, handled bool) {
	switch input {
	case keywordHelp:
		return replyHelp, true
	case keywordCancel:
		c.setState(userID, Idle{})
		return replyCancel, true
	case keywordReport:
		c.setState(userID, ReportStarted{})
		return replyReportIntro, true
	case keywordLearnMore:
		flagged, ok := current.(MessageFlagged)
		if !ok {
			return "", false
		}
		return flaggedReason(flagged), true
	case keywordMusic:
		c.setState(userID, AwaitingProfileName{})
		return c.profileIntro(ctx, userID), true
	}
	return "", false
}

func flaggedReason(f MessageFlagged) string {
	names := make([]string, 0, len(f.Categories))
	for _, category := range f.Categories {
		names = append(names, humanizeCategory(category))
	}
	return fmt.Sprintf(flaggedMessageReason, f.Content, strings.Join(names, ", "))
}

func (c *ConversationMachine) profileIntro(ctx context.Context, userID string) string {
	profile, err := c.profiles.GetProfile(ctx, userID)
	switch {
	case err == nil:
		return formatProfile(profile) + "\n\n" + replyProfileEdit
	case errors.Is(err, ErrNotFound):
		return replyProfileIntro
	default:
		contextLoggerOr(ctx, c.logger).ErrorContext(ctx, "error loading profile", tint.Err(err))
		return replyProfileIntro
	}
}

// transition handles free-text input for the current state. A nil
// next state means the input was ignored.
func (c *ConversationMachine) transition(
	ctx context.Context,
	userID string,
	current ConversationState,
	content string,
	input keyword,
) (next ConversationState, reply string) {
	text := strings.TrimSpace(content)

	switch s := current.(type) {
	case ReportStarted:
		switch input {
		case keywordYes:
			return ReportAddingDetails{}, replyReportAsk
		case keywordNo:
			return Idle{}, replyReportNo
		}
	case ReportAddingDetails:
		if text == "" {
			return nil, ""
		}
		contextLoggerOr(ctx, c.logger).InfoContext(
			ctx,
			"report submitted",
			columnUserID, userID,
			"details", text,
		)
		return Idle{}, replyReportFiled
	case AwaitingProfileName:
		if text == "" {
			return nil, ""
		}
		return AwaitingProfileGenres{ProfileName: text}, fmt.Sprintf(replyAskGenres, text)
	case AwaitingProfileGenres:
		if text == "" {
			return nil, ""
		}
		return AwaitingProfileArtists{ProfileName: s.ProfileName, Genres: text}, replyAskArtists
	case AwaitingProfileArtists:
		if text == "" {
			return nil, ""
		}
		return AwaitingProfileSong{ProfileName: s.ProfileName, Genres: s.Genres, Artists: text}, replyAskSong
	case AwaitingProfileSong:
		if text == "" {
			return nil, ""
		}
		return AwaitingProfileEvents{
			ProfileName: s.ProfileName,
			Genres:      s.Genres,
			Artists:     s.Artists,
			Song:        text,
		}, replyAskEvents
	case AwaitingProfileEvents:
		if text == "" {
			return nil, ""
		}
		profile := &MusicProfile{
			UserID:  userID,
			Name:    s.ProfileName,
			Genres:  s.Genres,
			Artists: s.Artists,
			Song:    s.Song,
			Events:  text,
		}
		return Idle{}, c.completeProfile(ctx, profile)
	}
	return nil, ""
}

// completeProfile fills in the user's top tracks and artists, if they
// have a connected account, and saves the profile
func (c *ConversationMachine) completeProfile(ctx context.Context, profile *MusicProfile) string {
	log := contextLoggerOr(ctx, c.logger).With(columnUserID, profile.UserID)

	profile.TopTracks = StringList{}
	profile.TopArtists = StringList{}
	if c.music != nil {
		tracks, artists, err := c.music.TopLists(ctx, profile.UserID, profileTopListLimit)
		if err != nil {
			log.WarnContext(ctx, "unable to fetch top lists for profile", tint.Err(err))
		} else {
			for _, t := range tracks {
				profile.TopTracks = append(profile.TopTracks, t.String())
			}
			for _, a := range artists {
				profile.TopArtists = append(profile.TopArtists, a.Name)
			}
		}
	}

	if err := c.profiles.PutProfile(ctx, profile); err != nil {
		log.ErrorContext(ctx, "error saving profile", tint.Err(err))
		return replyProfileError
	}
	log.InfoContext(ctx, "saved music profile")
	return fmt.Sprintf(replyProfileSaved, formatProfile(profile))
}
