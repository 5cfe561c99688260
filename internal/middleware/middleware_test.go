package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iliyamo/cinema-ticketing/internal/config"
	"github.com/iliyamo/cinema-ticketing/internal/utils"
)

const testSecret = "test-secret"

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func bearer(t *testing.T, userID uint64, role string) string {
	t.Helper()
	tok, err := utils.NewAccessToken(testSecret, userID, role, 5)
	require.NoError(t, err)
	return "Bearer " + tok.Token
}

func do(e *echo.Echo, method, path, auth string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader("{}"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func whoAmI(c echo.Context) error {
	id, _ := UserID(c)
	return c.JSON(http.StatusOK, echo.Map{"user_id": id, "role": Role(c)})
}

func TestJWTAuth(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoAmI, JWTAuth(testSecret))

	rec := do(e, http.MethodGet, "/me", bearer(t, 42, "CUSTOMER"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":42,"role":"CUSTOMER"}`, rec.Body.String())

	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/me", "Bearer not.a.jwt").Code)

	other, err := utils.NewAccessToken("other-secret", 42, "CUSTOMER", 5)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/me", "Bearer "+other.Token).Code)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": 42, "role": "CUSTOMER", "exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/me", "Bearer "+expired).Code)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": "CUSTOMER", "exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/me", "Bearer "+noSub).Code)
}

func TestSubjectID(t *testing.T) {
	id, ok := subjectID(float64(7))
	assert.True(t, ok)
	assert.Equal(t, uint64(7), id)
	id, ok = subjectID("19")
	assert.True(t, ok)
	assert.Equal(t, uint64(19), id)
	_, ok = subjectID(1.5)
	assert.False(t, ok)
	_, ok = subjectID("-3")
	assert.False(t, ok)
	_, ok = subjectID(nil)
	assert.False(t, ok)
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	e.GET("/admin", whoAmI, JWTAuth(testSecret), RequireRole("ADMIN"))

	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/admin", bearer(t, 1, "ADMIN")).Code)
	assert.Equal(t, http.StatusForbidden, do(e, http.MethodGet, "/admin", bearer(t, 2, "CUSTOMER")).Code)
}

func TestTokenBucket(t *testing.T) {
	rdb := newRedis(t)
	cfg := config.RateLimitConfig{
		Enabled: true, Capacity: 2, RefillTokens: 1, RefillInterval: time.Hour,
		TTL: 2 * time.Hour, KeyStrategy: "user", Prefix: "rl",
	}
	e := echo.New()
	e.GET("/me", whoAmI, JWTAuth(testSecret), NewTokenBucket(cfg, rdb, zap.NewNop()))

	alice, bob := bearer(t, 1, "CUSTOMER"), bearer(t, 2, "CUSTOMER")
	first := do(e, http.MethodGet, "/me", alice)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/me", alice).Code)

	blocked := do(e, http.MethodGet, "/me", alice)
	assert.Equal(t, http.StatusTooManyRequests, blocked.Code)
	assert.NotEmpty(t, blocked.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/me", bob).Code, "buckets are per user")
}

func TestTokenBucket_DisabledWithoutRedis(t *testing.T) {
	e := echo.New()
	e.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) },
		NewTokenBucket(config.RateLimitConfig{Enabled: true, Capacity: 1}, nil, zap.NewNop()))
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusNoContent, do(e, http.MethodGet, "/ping", "").Code)
	}
}

func idempotencyConfig() config.IdempotencyConfig {
	return config.IdempotencyConfig{Enabled: true, TTL: time.Hour, LockTTL: time.Minute, Prefix: "idem", MaxBodyBytes: 1 << 16}
}

func TestIdempotency_ReplaysFirstResponse(t *testing.T) {
	rdb := newRedis(t)
	var calls atomic.Int32
	e := echo.New()
	e.POST("/pay/:id", func(c echo.Context) error {
		n := calls.Add(1)
		return c.JSON(http.StatusOK, echo.Map{"call": n})
	}, JWTAuth(testSecret), NewIdempotency(idempotencyConfig(), rdb, zap.NewNop()))

	alice := bearer(t, 1, "CUSTOMER")
	first := do(e, http.MethodPost, "/pay/1", alice, IdempotencyHeader, "k-1")
	require.Equal(t, http.StatusOK, first.Code)
	assert.JSONEq(t, `{"call":1}`, first.Body.String())

	again := do(e, http.MethodPost, "/pay/1", alice, IdempotencyHeader, "k-1")
	assert.Equal(t, http.StatusOK, again.Code)
	assert.JSONEq(t, `{"call":1}`, again.Body.String())
	assert.Equal(t, "true", again.Header().Get(ReplayedHeader))
	assert.Equal(t, int32(1), calls.Load())

	// Another key, another path or another user runs the handler.
	do(e, http.MethodPost, "/pay/1", alice, IdempotencyHeader, "k-2")
	do(e, http.MethodPost, "/pay/2", alice, IdempotencyHeader, "k-1")
	do(e, http.MethodPost, "/pay/1", bearer(t, 2, "CUSTOMER"), IdempotencyHeader, "k-1")
	do(e, http.MethodPost, "/pay/1", alice)
	assert.Equal(t, int32(5), calls.Load())
}

func TestIdempotency_ServerErrorsAreNotStored(t *testing.T) {
	rdb := newRedis(t)
	var calls atomic.Int32
	e := echo.New()
	e.POST("/pay", func(c echo.Context) error {
		if calls.Add(1) == 1 {
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "provider down", "retryable": true})
		}
		return c.JSON(http.StatusOK, echo.Map{"success": true})
	}, NewIdempotency(idempotencyConfig(), rdb, zap.NewNop()))

	assert.Equal(t, http.StatusBadGateway, do(e, http.MethodPost, "/pay", "", IdempotencyHeader, "k").Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/pay", "", IdempotencyHeader, "k").Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/pay", "", IdempotencyHeader, "k").Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotency_InFlightKeyConflicts(t *testing.T) {
	rdb := newRedis(t)
	cfg := idempotencyConfig()
	e := echo.New()
	e.POST("/pay", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, NewIdempotency(cfg, rdb, zap.NewNop()))

	req := httptest.NewRequest(http.MethodPost, "/pay", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	lock := idempotencyKey(cfg, c, "busy") + ":lock"
	require.NoError(t, rdb.Set(req.Context(), lock, 1, time.Minute).Err())

	assert.Equal(t, http.StatusConflict, do(e, http.MethodPost, "/pay", "", IdempotencyHeader, "busy").Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/pay", "", IdempotencyHeader, strings.Repeat("x", 300)).Code)
}

func TestPayloadRoundTrip(t *testing.T) {
	h := http.Header{"Content-Type": []string{"application/json"}}
	bs, err := encodePayload(http.StatusAccepted, h, []byte(`{"ok":true}`))
	require.NoError(t, err)
	status, hdr, body, ok := decodePayload(bs)
	require.True(t, ok)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "application/json", hdr.Get("Content-Type"))
	assert.Equal(t, `{"ok":true}`, string(body))

	_, _, _, ok = decodePayload([]byte{0, 1})
	assert.False(t, ok)
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	e := echo.New()
	e.Use(RequestLogger(zap.New(core)))
	e.GET("/ok", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	e.GET("/boom", func(c echo.Context) error { return echo.NewHTTPError(http.StatusInternalServerError, "boom") })

	do(e, http.MethodGet, "/ok", "")
	rec := do(e, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, int64(http.StatusNoContent), entries[0].ContextMap()["status"])
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, "/boom", entries[1].ContextMap()["route"])
}
