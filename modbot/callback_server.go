package modbot

import (
	"context"
	"crypto/sha512"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/lmittmann/tint"
)

const (
	callbackPathRoot    = "/"
	callbackPathLogin   = "/login"
	callbackPathConnect = "/callback"
	callbackPathHealth  = "/healthz"
	callbackPathMetrics = "/metrics"
	pprofPrefix         = "/debug"

	xRequestIDHeader = "X-Request-ID"

	sessionName     = "modbot_session"
	sessionStateKey = "oauth_state"
	sessionMaxAge   = 15 * time.Minute

	pageConnected    = "Spotify connected! You can close this window and head back to Discord."
	pageExpiredLink  = "This link has expired. Run /connect in Discord for a new one."
	pageStateInvalid = "This authorization request couldn't be verified. Run /connect in Discord and try again."
	pageDenied       = "Spotify authorization was cancelled. Run /connect in Discord to try again."
	pageFailed       = "Something went wrong connecting your Spotify account. Please try again later."
)

// CallbackServer serves the Spotify authorization redirect flow.
// /connect links point at /login, which ties the state token to a
// session cookie and redirects to Spotify. Spotify redirects back to
// /callback, where the code is exchanged.
type CallbackServer struct {
	config     *CallbackServerConfig
	tokens     *TokenManager
	metrics    *Metrics
	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener

	// onAuthorized is called after a user's credential is saved
	onAuthorized func(ctx context.Context, userID string)
}

func newCallbackServer(
	config *CallbackServerConfig,
	development bool,
	tokens *TokenManager,
	metrics *Metrics,
	onAuthorized func(ctx context.Context, userID string),
) (*CallbackServer, error) {
	logger := newComponentLogger("callback_server", config.LogLevel)

	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	s := &CallbackServer{
		config:       config,
		tokens:       tokens,
		metrics:      metrics,
		engine:       r,
		logger:       logger,
		onAuthorized: onAuthorized,
	}

	var secretKey []byte
	if config.Secret == "" {
		logger.Warn(
			"callback server secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	} else {
		sum := sha512.Sum512([]byte(config.Secret))
		secretKey = sum[:]
	}
	store := cookie.NewStore(secretKey)
	store.Options(
		sessions.Options{
			Path:     callbackPathRoot,
			HttpOnly: true,
			Secure:   config.SSL.Enabled(),
			MaxAge:   int(sessionMaxAge.Seconds()),
			// the callback is a cross-site top-level navigation from
			// Spotify, which Strict would drop the cookie from
			SameSite: http.SameSiteLaxMode,
		},
	)

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	s.httpServer = httpServer

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
	)
	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && development {
		corsConfig.AllowOrigins = []string{"*"}
	}
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}
	r.Use(sessions.Sessions(sessionName, store))

	r.GET(callbackPathRoot, s.index)
	r.GET(callbackPathLogin, s.login)
	r.GET(callbackPathConnect, s.callback)
	r.GET(callbackPathHealth, s.healthCheck)
	r.GET(callbackPathMetrics, gin.WrapH(metrics.Handler()))

	if development {
		ginPprof.Register(r, pprofPrefix)
	}
	return s, nil
}

// Handler returns the server's HTTP handler
func (s *CallbackServer) Handler() http.Handler {
	return s.engine
}

// Serve listens on the configured address and serves until Shutdown
// is called
func (s *CallbackServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, s.config.ListenNetwork, s.config.Listen)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("error listening on %s: %w", s.config.Listen, err)
		}
		if s.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, s.httpServer.TLSConfig)
		}
		s.listener = ln
	}
	ln := s.listener
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "callback server listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Addr returns the address the server is listening on, or an empty
// string if it isn't yet
func (s *CallbackServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *CallbackServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *CallbackServer) index(c *gin.Context) {
	c.String(http.StatusOK, "modbot is running")
}

func (s *CallbackServer) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// login checks that the state token in the /connect link is pending,
// binds it to the browser's session and redirects to Spotify
func (s *CallbackServer) login(c *gin.Context) {
	log := ginContextLogger(c, s.logger)
	state := c.Query("state")
	authURL, ok := s.tokens.LoginURL(state)
	if state == "" || !ok {
		log.WarnContext(c, "login with unknown or expired state")
		c.String(http.StatusBadRequest, pageExpiredLink)
		return
	}

	session := sessions.Default(c)
	session.Set(sessionStateKey, state)
	if err := session.Save(); err != nil {
		log.ErrorContext(c, "error saving session", tint.Err(err))
		_ = c.Error(err)
		c.String(http.StatusInternalServerError, pageFailed)
		return
	}
	c.Redirect(http.StatusFound, authURL)
}

// callback verifies the returned state against the session, then
// exchanges the code for the user's credential
func (s *CallbackServer) callback(c *gin.Context) {
	log := ginContextLogger(c, s.logger)
	session := sessions.Default(c)
	expected, _ := session.Get(sessionStateKey).(string)
	state := c.Query("state")

	if expected == "" || state == "" || state != expected {
		log.WarnContext(c, "authorization state mismatch", "has_session_state", expected != "")
		c.String(http.StatusBadRequest, pageStateInvalid)
		return
	}
	session.Delete(sessionStateKey)
	if err := session.Save(); err != nil {
		log.ErrorContext(c, "error clearing session state", tint.Err(err))
	}

	if authErr := c.Query("error"); authErr != "" {
		log.InfoContext(c, "authorization denied", "error", authErr)
		c.String(http.StatusBadRequest, pageDenied)
		return
	}
	code := c.Query("code")
	if code == "" {
		c.String(http.StatusBadRequest, pageStateInvalid)
		return
	}

	ctx := WithLogger(c.Request.Context(), log)
	userID, err := s.tokens.CompleteAuthorization(ctx, state, code)
	switch {
	case errors.Is(err, ErrUnknownState):
		log.WarnContext(ctx, "callback with unknown or expired state")
		c.String(http.StatusBadRequest, pageExpiredLink)
		return
	case err != nil:
		log.ErrorContext(ctx, "error completing authorization", columnUserID, userID, tint.Err(err))
		_ = c.Error(err)
		c.String(http.StatusBadGateway, pageFailed)
		return
	}

	log.InfoContext(ctx, "spotify account connected", columnUserID, userID)
	if s.onAuthorized != nil {
		s.onAuthorized(context.WithoutCancel(ctx), userID)
	}
	c.String(http.StatusOK, pageConnected)
}

// requestIDMiddleware sets a random request ID on the gin context and
// the response headers
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, creating it (with the
// request details attached) on first use
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := v.(*slog.Logger); ok {
			return requestLogger
		}
	}
	if base == nil {
		base = slog.Default()
	}
	requestID, _ := c.Get(xRequestIDHeader)
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with any
// errors attached to the gin context
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		errs := c.Errors.ByType(gin.ErrorTypePrivate).Errors()
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}
