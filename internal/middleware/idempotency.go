package middleware

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-ticketing/internal/config"
)

const (
	// IdempotencyHeader carries the client chosen key.
	IdempotencyHeader = "Idempotency-Key"
	// ReplayedHeader marks a response served from the idempotency store.
	ReplayedHeader = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 255
)

// captureWriter copies the response body while forwarding it to the client.
type captureWriter struct {
	http.ResponseWriter
	status    int
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if cw.limit > 0 && cw.buf.Len()+len(b) > cw.limit {
		cw.truncated = true
	} else {
		cw.buf.Write(b)
	}
	return cw.ResponseWriter.Write(b)
}

// NewIdempotency replays the first response produced for an Idempotency-Key.
// Keys are scoped to the caller and the request path.  A repeat that
// arrives while the first request is still running gets 409.  Responses
// with a 5xx status are not stored, so the client may retry them.
func NewIdempotency(cfg config.IdempotencyConfig, rdb *redis.Client, log *zap.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return passThrough
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := strings.TrimSpace(c.Request().Header.Get(IdempotencyHeader))
			if raw == "" {
				return next(c)
			}
			if len(raw) > maxIdempotencyKeyLen {
				return c.JSON(http.StatusBadRequest, echo.Map{"error": "Idempotency-Key is too long"})
			}
			ctx := c.Request().Context()
			key := idempotencyKey(cfg, c, raw)
			lock := key + ":lock"

			if replayed, err := replay(ctx, c, rdb, key); replayed || err != nil {
				return err
			}
			claimed, err := rdb.SetNX(ctx, lock, 1, cfg.LockTTL).Result()
			if err != nil {
				log.Warn("idempotency store unavailable", zap.Error(err))
				return next(c)
			}
			if !claimed {
				return c.JSON(http.StatusConflict, echo.Map{"error": "a request with this Idempotency-Key is in progress"})
			}
			defer func() { _ = rdb.Del(context.WithoutCancel(ctx), lock).Err() }()

			// The first request may have finished between the lookup and the claim.
			if replayed, err := replay(ctx, c, rdb, key); replayed || err != nil {
				return err
			}

			cw := &captureWriter{ResponseWriter: c.Response().Writer, status: http.StatusOK, limit: cfg.MaxBodyBytes}
			c.Response().Writer = cw
			if err := next(c); err != nil {
				return err
			}
			if cw.status >= http.StatusInternalServerError || cw.truncated {
				return nil
			}
			payload, err := encodePayload(cw.status, c.Response().Header(), cw.buf.Bytes())
			if err != nil {
				return nil
			}
			if err := rdb.SetEx(context.WithoutCancel(ctx), key, payload, cfg.TTL).Err(); err != nil {
				log.Warn("store idempotent response failed", zap.Error(err))
			}
			return nil
		}
	}
}

func replay(ctx context.Context, c echo.Context, rdb *redis.Client, key string) (bool, error) {
	bs, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false, nil
	}
	status, hdr, body, ok := decodePayload(bs)
	if !ok {
		return false, nil
	}
	for k, vals := range hdr {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vals {
			c.Response().Header().Add(k, v)
		}
	}
	c.Response().Header().Set(ReplayedHeader, "true")
	c.Response().WriteHeader(status)
	if len(body) > 0 {
		_, err = c.Response().Write(body)
	}
	return true, err
}

func idempotencyKey(cfg config.IdempotencyConfig, c echo.Context, raw string) string {
	r := c.Request()
	sum := sha1.Sum([]byte(strings.Join([]string{identity(c), r.Method, r.URL.Path, raw}, ":")))
	return fmt.Sprintf("%s:%x", cfg.Prefix, sum[:])
}

// encodePayload packs [4 bytes status][4 bytes header length][header JSON][body].
func encodePayload(status int, header http.Header, body []byte) ([]byte, error) {
	hdrJSON, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8+len(hdrJSON)+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(status))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(hdrJSON)))
	copy(out[8:], hdrJSON)
	copy(out[8+len(hdrJSON):], body)
	return out, nil
}

func decodePayload(bs []byte) (status int, header http.Header, body []byte, ok bool) {
	if len(bs) < 8 {
		return 0, nil, nil, false
	}
	status = int(binary.BigEndian.Uint32(bs[0:4]))
	hlen := int(binary.BigEndian.Uint32(bs[4:8]))
	if hlen < 0 || 8+hlen > len(bs) {
		return 0, nil, nil, false
	}
	header = make(http.Header)
	if hlen > 0 {
		if err := json.Unmarshal(bs[8:8+hlen], &header); err != nil {
			return 0, nil, nil, false
		}
	}
	return status, header, bs[8+hlen:], true
}
