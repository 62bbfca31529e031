package modbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const (
	triviaCorrectMarker = "Correct:"
	triviaOptionCount   = 4

	triviaSystemPrompt = "You write daily music trivia questions for a Discord community."
	triviaUserPrompt   = "Write one multiple choice music trivia question. " +
		"Put the question on the first line, then exactly four options on their own lines, " +
		"labeled A), B), C) and D). On the last line, write 'Correct: ' followed by " +
		"only the letter of the correct option."
)

var triviaOptionPattern = regexp.MustCompile(`^\(?([A-Da-d])[).:\]]\s*(.+)$`)

// TriviaQuestion is a parsed multiple choice question
type TriviaQuestion struct {
	Question string

	// Options are the option texts, without their letter labels,
	// ordered A through D
	Options [triviaOptionCount]string

	// Answer is the letter of the correct option (A-D)
	Answer string
}

// AnswerText returns the text of the correct option
func (q *TriviaQuestion) AnswerText() string {
	return q.Options[q.Answer[0]-'A']
}

// Post formats the question for posting
func (q *TriviaQuestion) Post() string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Daily music trivia!**\n%s\n", q.Question)
	for i, opt := range q.Options {
		fmt.Fprintf(&b, "\n%c) %s", 'A'+i, opt)
	}
	return b.String()
}

// parseTrivia parses generated text holding a question, four lettered
// option lines, then a line with "Correct:" and the answer letter.
// Returns ErrGenerationFormat if the text doesn't have that layout.
func parseTrivia(text string) (*TriviaQuestion, error) {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	markerAt := -1
	for i, line := range lines {
		if strings.Contains(line, triviaCorrectMarker) {
			markerAt = i
			break
		}
	}
	if markerAt < 0 {
		return nil, fmt.Errorf("%w: missing %q line", ErrGenerationFormat, triviaCorrectMarker)
	}

	_, after, _ := strings.Cut(lines[markerAt], triviaCorrectMarker)
	answer, ok := answerLetter(after)
	if !ok {
		return nil, fmt.Errorf("%w: invalid answer %q", ErrGenerationFormat, after)
	}

	q := &TriviaQuestion{Answer: answer}
	var question []string
	var seen [triviaOptionCount]bool
	for _, line := range lines[:markerAt] {
		m := triviaOptionPattern.FindStringSubmatch(line)
		if m == nil {
			if seen != [triviaOptionCount]bool{} {
				return nil, fmt.Errorf("%w: unexpected line after options: %q", ErrGenerationFormat, line)
			}
			question = append(question, line)
			continue
		}
		idx := strings.ToUpper(m[1])[0] - 'A'
		if seen[idx] {
			return nil, fmt.Errorf("%w: duplicate option %s", ErrGenerationFormat, m[1])
		}
		seen[idx] = true
		q.Options[idx] = strings.TrimSpace(m[2])
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("%w: missing option %c", ErrGenerationFormat, 'A'+i)
		}
	}
	q.Question = strings.Join(question, "\n")
	if q.Question == "" {
		return nil, fmt.Errorf("%w: missing question", ErrGenerationFormat)
	}
	return q, nil
}

// answerLetter reads the option letter at the start of s, allowing
// markdown and an option label like "B)" or "B) Prince"
func answerLetter(s string) (string, bool) {
	s = strings.TrimLeft(s, " *_(")
	if s == "" {
		return "", false
	}
	letter := strings.ToUpper(s[:1])
	if letter[0] < 'A' || letter[0] > 'D' {
		return "", false
	}
	if len(s) > 1 {
		next := s[1]
		if (next >= 'a' && next <= 'z') || (next >= 'A' && next <= 'Z') {
			return "", false
		}
	}
	return letter, true
}

// nextOccurrence returns the first hour:minute in loc that isn't
// before now
func nextOccurrence(now time.Time, hour int, minute int, loc *time.Location) time.Time {
	now = now.In(loc)
	target := dailyTarget(now, hour, minute, loc)
	if !now.Before(target) {
		target = time.Date(now.Year(), now.Month(), now.Day()+1, hour, minute, 0, 0, loc)
	}
	return target
}

// dailyTarget returns hour:minute on now's date in loc
func dailyTarget(now time.Time, hour int, minute int, loc *time.Location) time.Time {
	now = now.In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
}

// TriviaTask posts a generated trivia question once a day
type TriviaTask struct {
	config    *TriviaConfig
	location  *time.Location
	session   DiscordSessionHandler
	generator TextGenerator
	clock     Clock
	timeout   time.Duration
	metrics   *Metrics
	logger    *slog.Logger

	// lastTarget is the most recent scheduled instant that was run,
	// so a clock moving backwards can't trigger it twice
	lastTarget time.Time
}

func NewTriviaTask(
	config *TriviaConfig,
	session DiscordSessionHandler,
	generator TextGenerator,
	clock Clock,
	timeout time.Duration,
	metrics *Metrics,
) (*TriviaTask, error) {
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid trivia timezone %q: %w", config.Timezone, err)
	}
	if clock == nil {
		clock = SystemClock()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &TriviaTask{
		config:    config,
		location:  loc,
		session:   session,
		generator: generator,
		clock:     clock,
		timeout:   timeout,
		metrics:   metrics,
		logger:    newComponentLogger("trivia", config.LogLevel),
	}, nil
}

// NextRun returns the next scheduled post time
func (t *TriviaTask) NextRun() time.Time {
	next := nextOccurrence(t.clock.Now(), t.config.Hour, t.config.Minute, t.location)
	if !t.lastTarget.IsZero() && !next.After(t.lastTarget) {
		next = time.Date(
			t.lastTarget.Year(),
			t.lastTarget.Month(),
			t.lastTarget.Day()+1,
			t.config.Hour,
			t.config.Minute,
			0,
			0,
			t.location,
		)
	}
	return next
}

// Run posts trivia every day until ctx is done. Failures of a single
// day are logged, and don't stop the loop.
func (t *TriviaTask) Run(ctx context.Context) error {
	log := t.logger
	for {
		next := t.NextRun()
		log.InfoContext(ctx, "next trivia post scheduled", "next_run", next)

		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "stopping trivia task")
			return ctx.Err()
		case <-t.clock.After(next.Sub(t.clock.Now())):
		}

		// the wake may have been early or late, so check against the
		// current day's target rather than the one we slept towards
		now := t.clock.Now().In(t.location)
		target := dailyTarget(now, t.config.Hour, t.config.Minute, t.location)
		if now.Before(target) || target.Equal(t.lastTarget) {
			log.WarnContext(
				ctx,
				"woke before trivia target, rescheduling",
				"now", now,
				"target", target,
			)
			continue
		}
		t.lastTarget = target

		if err := t.RunOnce(ctx); err != nil {
			log.ErrorContext(ctx, "trivia post failed", tint.Err(err))
		}
	}
}

// RunOnce unpins the channel's pinned messages, then generates a
// question and posts it with its reactions, pin and thread
func (t *TriviaTask) RunOnce(ctx context.Context) (err error) {
	log := t.logger.With("channel_id", t.config.ChannelID)
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(WithLogger(ctx, log), rc)
			err = fmt.Errorf("panic during trivia post: %v", rc)
		}
		result := metricResultSuccess
		if err != nil {
			result = metricResultFailure
		}
		t.metrics.TriviaPosts.WithLabelValues(result).Inc()
	}()

	t.unpinAll(ctx, log)

	question, err := t.generate(ctx)
	if err != nil {
		if errors.Is(err, ErrGenerationFormat) {
			log.WarnContext(ctx, "generated trivia has an unexpected format, skipping", tint.Err(err))
		}
		return err
	}

	msg, err := t.session.ChannelMessageSend(t.config.ChannelID, question.Post())
	if err != nil {
		return fmt.Errorf("error posting trivia: %w", err)
	}
	log = log.With("message_id", msg.ID)
	log.InfoContext(ctx, "posted trivia", "answer", question.Answer)

	for _, emoji := range t.config.Reactions {
		if err = t.session.MessageReactionAdd(t.config.ChannelID, msg.ID, emoji); err != nil {
			log.ErrorContext(ctx, "error adding reaction", "emoji", emoji, tint.Err(err))
		}
	}

	if err = t.session.ChannelMessagePin(t.config.ChannelID, msg.ID); err != nil {
		log.ErrorContext(ctx, "error pinning trivia", tint.Err(err))
	}

	thread, err := t.session.MessageThreadStart(
		t.config.ChannelID,
		msg.ID,
		t.config.ThreadName,
		t.config.ThreadArchiveDuration,
	)
	if err != nil {
		return fmt.Errorf("error starting trivia thread: %w", err)
	}
	if _, err = t.session.ChannelMessageSend(
		thread.ID,
		fmt.Sprintf("Answer: ||%s) %s||", question.Answer, question.AnswerText()),
	); err != nil {
		return fmt.Errorf("error posting trivia answer: %w", err)
	}
	return nil
}

func (t *TriviaTask) generate(ctx context.Context) (*TriviaQuestion, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	text, err := t.generator.Complete(
		ctx, []PromptMessage{
			{Role: promptRoleSystem, Content: triviaSystemPrompt},
			{Role: promptRoleUser, Content: triviaUserPrompt},
		},
	)
	if err != nil {
		return nil, err
	}
	return parseTrivia(text)
}

// unpinAll unpins every pinned message in the channel. Failures are
// logged, and don't prevent the post.
func (t *TriviaTask) unpinAll(ctx context.Context, log *slog.Logger) {
	pinned, err := t.session.ChannelMessagesPinned(t.config.ChannelID)
	if err != nil {
		log.ErrorContext(ctx, "error listing pinned messages", tint.Err(err))
		return
	}

	g := new(errgroup.Group)
	for _, m := range pinned {
		m := m
		g.Go(
			func() error {
				if e := t.session.ChannelMessageUnpin(t.config.ChannelID, m.ID); e != nil {
					return fmt.Errorf("error unpinning %s: %w", m.ID, e)
				}
				return nil
			},
		)
	}
	if err = g.Wait(); err != nil {
		log.ErrorContext(ctx, "error unpinning messages", tint.Err(err))
		return
	}
	if len(pinned) > 0 {
		log.InfoContext(ctx, "unpinned messages", "count", len(pinned), "messages", messageIDs(pinned))
	}
}

func messageIDs(messages []*discordgo.Message) []string {
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	return ids
}
