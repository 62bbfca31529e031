package modbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/lmittmann/tint"
)

// RecommendationCategory is the kind of thing being recommended
type RecommendationCategory string

const (
	RecommendSong   RecommendationCategory = "song"
	RecommendArtist RecommendationCategory = "artist"
	RecommendAlbum  RecommendationCategory = "album"
	RecommendRandom RecommendationCategory = "random"
)

var recommendationCategories = []RecommendationCategory{
	RecommendSong,
	RecommendArtist,
	RecommendAlbum,
	RecommendRandom,
}

func (c RecommendationCategory) Valid() bool {
	for _, v := range recommendationCategories {
		if c == v {
			return true
		}
	}
	return false
}

// Recommendation is one entry of a user's recommendation history.
// History is append-only.
//
//nolint:lll // struct tags can't be split
type Recommendation struct {
	ModelUintID
	UserID    string                 `json:"user_id" gorm:"not null;index:idx_recommendation_user_category"`
	Category  RecommendationCategory `json:"category" gorm:"type:string;not null;index:idx_recommendation_user_category"`
	Content   string                 `json:"content" gorm:"type:string;not null"`
	CreatedAt int64                  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

const (
	// recommendationAttempts is how many times generation is tried
	// before giving up on getting something not already recommended
	recommendationAttempts = 3

	// recommendationPromptHistory caps how much history goes into the
	// prompt. The repeat filter always covers all of it.
	recommendationPromptHistory = 25

	recommendationFalsePositiveRate = 0.01

	recommendationSystemPrompt = "You are a music recommendation assistant in a Discord community. " +
		"Reply with exactly one recommendation on a single line and nothing else."
)

var recommendationFormats = map[RecommendationCategory]string{
	RecommendSong:   "a song, formatted as: Song Title by Artist",
	RecommendArtist: "an artist, formatted as just the artist's name",
	RecommendAlbum:  "an album, formatted as: Album Title by Artist",
	RecommendRandom: "a song, artist or album of your choosing, formatted as: Title by Artist",
}

// Recommender generates music recommendations from a user's profile,
// skipping anything they've been recommended before
type Recommender struct {
	store     CredentialStore
	generator TextGenerator
	timeout   time.Duration
	logger    *slog.Logger
}

func NewRecommender(
	store CredentialStore,
	generator TextGenerator,
	timeout time.Duration,
	logger *slog.Logger,
) *Recommender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recommender{
		store:     store,
		generator: generator,
		timeout:   timeout,
		logger:    logger.With(loggerNameKey, "recommender"),
	}
}

// Recommend returns a new recommendation for the user, and appends it
// to their history.
//
// Returns ErrNoProfile if the user has no music profile, and
// ErrGenerationFormat if nothing usable was generated.
func (r *Recommender) Recommend(
	ctx context.Context,
	userID string,
	category RecommendationCategory,
) (string, error) {
	if !category.Valid() {
		return "", fmt.Errorf("invalid recommendation category: %q", category)
	}
	log := contextLoggerOr(ctx, r.logger).With(columnUserID, userID, "category", category)

	profile, err := r.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNoProfile
		}
		return "", fmt.Errorf("error loading profile: %w", err)
	}
	history, err := r.store.RecommendationHistory(ctx, userID, category)
	if err != nil {
		return "", fmt.Errorf("error loading recommendation history: %w", err)
	}

	seen := newRepeatFilter(history)
	prompt := recommendationPrompt(profile, category, history)

	var last string
	for attempt := 1; attempt <= recommendationAttempts; attempt++ {
		suggestion, err := r.generate(ctx, prompt)
		if err != nil {
			return "", err
		}
		if seen.TestString(recommendationKey(suggestion)) {
			log.InfoContext(ctx, "discarding repeated recommendation", "attempt", attempt, "suggestion", suggestion)
			last = suggestion
			continue
		}
		if err = r.store.AppendRecommendation(ctx, userID, category, suggestion); err != nil {
			log.ErrorContext(ctx, "error saving recommendation", tint.Err(err))
		}
		return suggestion, nil
	}
	return "", fmt.Errorf(
		"%w: only repeated recommendations after %d attempts (last: %q)",
		ErrGenerationFormat,
		recommendationAttempts,
		last,
	)
}

func (r *Recommender) generate(ctx context.Context, prompt []PromptMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	text, err := r.generator.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	suggestion := parseRecommendation(text)
	if suggestion == "" {
		return "", fmt.Errorf("%w: empty recommendation", ErrGenerationFormat)
	}
	return suggestion, nil
}

// newRepeatFilter returns a bloom filter holding every past
// recommendation
func newRepeatFilter(history []string) *bloom.BloomFilter {
	filter := bloom.NewWithEstimates(uint(len(history)+1)*2, recommendationFalsePositiveRate)
	for _, h := range history {
		filter.AddString(recommendationKey(h))
	}
	return filter
}

func recommendationKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// parseRecommendation returns the first non-empty line of the text,
// without list markers or surrounding quotes
func parseRecommendation(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• ")
		line = strings.Trim(line, "\"'` ")
		if line != "" {
			return line
		}
	}
	return ""
}

func recommendationPrompt(
	profile *MusicProfile,
	category RecommendationCategory,
	history []string,
) []PromptMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "Recommend %s.\n\n", recommendationFormats[category])
	b.WriteString("The listener describes their taste like this:\n")
	fmt.Fprintf(&b, "Genres: %s\n", profile.Genres)
	fmt.Fprintf(&b, "Favorite artists: %s\n", profile.Artists)
	fmt.Fprintf(&b, "Current favorite song: %s\n", profile.Song)
	if len(profile.TopTracks) > 0 {
		fmt.Fprintf(&b, "Top tracks: %s\n", strings.Join(profile.TopTracks, "; "))
	}
	if len(profile.TopArtists) > 0 {
		fmt.Fprintf(&b, "Top artists: %s\n", strings.Join(profile.TopArtists, ", "))
	}

	if len(history) > 0 {
		recent := history
		if len(recent) > recommendationPromptHistory {
			recent = recent[len(recent)-recommendationPromptHistory:]
		}
		b.WriteString("\nDo not recommend any of these, they've already been suggested:\n")
		for _, h := range recent {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}

	return []PromptMessage{
		{Role: promptRoleSystem, Content: recommendationSystemPrompt},
		{Role: promptRoleUser, Content: strings.TrimSpace(b.String())},
	}
}
