package modbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const replySpotifyConnected = "Your Spotify account is connected! Try `/playing` or `/top`."

// Set at build time with:
// -ldflags "-X github.com/ashtonxiong/cs278-discord/modbot.Version=..."
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// ModBot is the bot: it moderates guild messages, runs DM
// conversations, answers slash commands and posts the daily trivia
type ModBot struct {
	config *Config
	logger *slog.Logger

	db      DBI
	discord *Discord
	metrics *Metrics

	moderator Moderator
	generator TextGenerator
	music     MusicService

	tokens         *TokenManager
	userMusic      *UserMusic
	conversations  *ConversationMachine
	recommender    *Recommender
	playlists      *Playlists
	trivia         *TriviaTask
	callbackServer *CallbackServer

	// workers serializes DM conversation handling per user
	workers *userWorkerPool

	// handlersWG tracks in-flight gateway event handlers
	handlersWG sync.WaitGroup

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// signalReady receives a value once Run has connected, registered
	// commands and started the background tasks
	signalReady chan struct{}

	removeHandlerFuncs []func()
}

// collaborators are the outside services the bot is built on
type collaborators struct {
	db        DBI
	session   DiscordSessionHandler
	moderator Moderator
	generator TextGenerator
	music     MusicService
	auth      AuthorizationServer
	clock     Clock
}

// New opens the database and creates a bot backed by Discord, OpenAI
// and Spotify, per the config
func New(ctx context.Context, config *Config) (*ModBot, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	logger := slog.New(newLogHandler(defaultLogWriter, config.LogLevel))
	slog.SetDefault(logger)

	gormDB, err := CreateDB(ctx, config.DatabaseType, config.Database)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if config.DatabaseLogLevel != nil {
		gormDB.Logger = newGORMLogger(
			newLogHandler(defaultLogWriter, config.DatabaseLogLevel),
			config.DatabaseSlowThreshold,
		)
	}
	db := NewDatabase(gormDB, logger, config.DatabaseType == dbTypePostgres)

	config.Discord.httpClient = config.HTTPClient
	session, err := newDiscord(config.Discord).newSession(ctx)
	if err != nil {
		return nil, err
	}

	oa := newOpenAI(config.OpenAI, config.HTTPClient)
	return newModBot(
		config,
		logger,
		collaborators{
			db:        db,
			session:   session,
			moderator: oa,
			generator: oa,
			music:     newSpotify(config.Spotify, config.HTTPClient),
			auth:      newSpotifyAuthorizationServer(config.Spotify, config.HTTPClient),
			clock:     SystemClock(),
		},
	)
}

func newModBot(config *Config, logger *slog.Logger, c collaborators) (*ModBot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if c.clock == nil {
		c.clock = SystemClock()
	}
	metrics := NewMetrics()
	timeout := config.ExternalCallTimeout

	disc := newDiscord(config.Discord)
	disc.session = c.session

	tokens := NewTokenManager(
		c.db,
		c.auth,
		c.clock,
		config.CallbackServer,
		timeout,
		metrics,
		logger,
	)
	userMusic := NewUserMusic(tokens, c.music, timeout)

	b := &ModBot{
		config:      config,
		logger:      logger,
		db:          c.db,
		discord:     disc,
		metrics:     metrics,
		moderator:   c.moderator,
		generator:   c.generator,
		music:       c.music,
		tokens:      tokens,
		userMusic:   userMusic,
		workers:     newUserWorkerPool(workerIdleTimeout, logger),
		signalReady: make(chan struct{}, 1),
		conversations: NewConversationMachine(
			NewConversationStore(),
			c.db,
			userMusic,
			metrics,
			logger,
		),
		recommender: NewRecommender(c.db, c.generator, timeout, logger),
		playlists:   NewPlaylists(c.db, userMusic, logger),
	}

	var errs []error
	if config.Trivia.Enabled {
		trivia, err := NewTriviaTask(config.Trivia, c.session, c.generator, c.clock, timeout, metrics)
		errs = append(errs, err)
		b.trivia = trivia
	}

	server, err := newCallbackServer(
		config.CallbackServer,
		config.Development,
		tokens,
		metrics,
		b.notifyConnected,
	)
	errs = append(errs, err)
	b.callbackServer = server

	return b, errors.Join(errs...)
}

// Ready receives a value once the bot is up
func (b *ModBot) Ready() <-chan struct{} {
	return b.signalReady
}

// Metrics returns the bot's metrics
func (b *ModBot) Metrics() *Metrics {
	return b.metrics
}

// RegisterSlashCommands overwrites the application's commands
func (b *ModBot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(options...)
}

// Run connects to discord, and serves until ctx is canceled
func (b *ModBot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	logger := b.logger
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	ctx, cancel := context.WithCancel(WithLogger(ctx, logger))
	defer cancel()

	runtimeWG := &sync.WaitGroup{}
	b.addHandlers(ctx)

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- b.initRun()
	}()
	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if err := b.callbackServer.Serve(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving callback server", tint.Err(err))
			cancel()
		}
	}()

	if b.trivia != nil {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			_ = b.trivia.Run(ctx)
		}()
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "ready")

	<-ctx.Done()
	return b.shutdown(runtimeWG)
}

func (b *ModBot) initRun() error {
	if err := b.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	if _, err := b.RegisterSlashCommands(); err != nil {
		return err
	}
	return nil
}

func (b *ModBot) addHandlers(ctx context.Context) {
	for _, remove := range b.removeHandlerFuncs {
		remove()
	}
	session := b.discord.session
	b.removeHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				b.handleMessage(ctx, m.Message)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				b.goHandle(
					ctx, func(ctx context.Context) {
						b.handleInteraction(ctx, i)
					},
				)
			},
		),
	}
}

// goHandle runs f in a tracked goroutine, recovering any panic
func (b *ModBot) goHandle(ctx context.Context, f func(ctx context.Context)) {
	b.handlersWG.Add(1)
	go func() {
		defer b.handlersWG.Done()
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
			}
		}()
		f(ctx)
	}()
}

func (b *ModBot) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	log := contextLoggerOr(ctx, b.logger).With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
	)
	ctx = WithLogger(ctx, log)

	user := getDiscordUser(i)
	if user == nil {
		log.WarnContext(ctx, "interaction without a user")
		return
	}

	interactionLog, err := newInteractionLog(i, user)
	if err != nil {
		log.ErrorContext(ctx, "error creating interaction log", tint.Err(err))
	} else if _, err = b.db.Create(ctx, interactionLog); err != nil {
		log.ErrorContext(ctx, "error saving interaction log", tint.Err(err))
	}
	if _, _, err = b.db.GetOrCreateUser(ctx, *user); err != nil {
		log.ErrorContext(ctx, "error getting user", tint.Err(err))
	}

	if i.Type != discordgo.InteractionApplicationCommand {
		log.DebugContext(ctx, "ignoring non-command interaction")
		return
	}
	b.runCommand(ctx, i, user)
}

// notifyConnected DMs a user whose Spotify account was just connected
func (b *ModBot) notifyConnected(ctx context.Context, userID string) {
	if _, err := b.discord.sendDM(userID, replySpotifyConnected); err != nil {
		contextLoggerOr(ctx, b.logger).ErrorContext(
			ctx,
			"error sending connected notification",
			columnUserID, userID,
			tint.Err(err),
		)
	}
}

// shutdown stops the callback server, then waits (up to the shutdown
// timeout) for in-flight handlers and background tasks before closing
// the discord session
func (b *ModBot) shutdown(runtimeWG *sync.WaitGroup) error {
	logger := b.logger
	shutdownStart := time.Now()
	logger.Warn("shutting down", "shutdown_timeout", b.config.ShutdownTimeout)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), b.config.ShutdownTimeout)
	defer closeCancel()

	if err := b.callbackServer.Shutdown(closeCtx); err != nil {
		logger.Error("error shutting down callback server", tint.Err(err))
	}

	done := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		b.handlersWG.Wait()
		b.workers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		logger.Info("finished in-flight work", "duration", time.Since(shutdownStart))
	case <-closeCtx.Done():
		err = errors.New("in-flight work did not finish before the shutdown timeout")
		logger.Error("shutdown timed out", tint.Err(err))
	}

	for _, remove := range b.removeHandlerFuncs {
		remove()
	}
	if closeErr := b.discord.session.Close(); closeErr != nil {
		logger.Error("error closing discord session", tint.Err(closeErr))
	}
	return err
}
