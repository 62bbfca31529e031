package modbot

import (
	"bytes"
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"strings"
	"testing"
)

func TestShortenString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", shortenString("short", 10))
	assert.Equal(t, "a\nb", shortenString("a\n\nb", 3))
	assert.Equal(t, "bold", shortenString("**bold**", 4))

	long := strings.Repeat("x", 100)
	got := shortenString(long, 50)
	assert.LessOrEqual(t, len([]rune(got)), 50)
	assert.True(t, strings.HasSuffix(got, "**(output limit reached)**"))

	assert.Equal(t, "xxxxx", shortenString(long, 5))
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "héllo", truncate("héllo wörld", 5))
	assert.Equal(t, "hi", truncate("hi", 5))
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()
	a, err := generateRandomHexString(16)
	require.NoError(t, err)
	b, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	fallback := slog.Default()
	assert.Same(t, fallback, contextLoggerOr(ctx, fallback))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx = WithLogger(ctx, logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
	assert.Same(t, logger, contextLoggerOr(ctx, fallback))
}

func TestStructToSlogValue_Redacted(t *testing.T) {
	t.Parallel()
	cred := OAuthCredential{
		UserID:       "u1",
		AccessToken:  "secret-access",
		RefreshToken: "secret-refresh",
		Scope:        "user-top-read",
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("saved", "credential", cred)

	out := buf.String()
	assert.Contains(t, out, "u1")
	assert.Contains(t, out, "user-top-read")
	assert.NotContains(t, out, "secret-access")
	assert.NotContains(t, out, "secret-refresh")
}

func TestHandleRecover(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))
	handleRecover(ctx, "string panic")
	handleRecover(ctx, assert.AnError)
	handleRecover(ctx, 42)

	out := buf.String()
	assert.Equal(t, 3, strings.Count(out, "recovered from panic"))
	assert.Contains(t, out, "string panic")
	assert.Contains(t, out, "panic_arg=42")
	assert.Contains(t, out, "stack_trace=")
}
