// Package webhook реализует приём и сверку уведомлений от платёжного
// шлюза: проверку подписи, защиту от повторов и терпимость к
// нарушению порядка доставки.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Заголовки webhook-запроса PG.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
)

// Допустимый дрейф часов между PG и движком.
const timestampTolerance = 5 * time.Minute

// nonceTTL — окно уникальности nonce.
const nonceTTL = 5 * time.Minute

// Ошибки верификации.
var (
	// ErrBadSignature — подпись не совпадает с вычисленной.
	ErrBadSignature = errors.New("подпись webhook не совпадает")

	// ErrStaleTimestamp — timestamp вне допустимого окна.
	ErrStaleTimestamp = errors.New("timestamp webhook вне допустимого окна")

	// ErrNonceReused — nonce уже встречался в окне уникальности.
	ErrNonceReused = errors.New("nonce webhook уже использован")
)

// Verifier проверяет подлинность webhook-запросов.
type Verifier struct {
	secret []byte
	redis  *redis.Client
}

// NewVerifier создаёт верификатор с общим секретом вендора.
func NewVerifier(secret string, redisClient *redis.Client) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		redis:  redisClient,
	}
}

// Verify проверяет подпись, свежесть timestamp и уникальность nonce.
// Подпись — HMAC-SHA256 (hex) от сырого тела запроса.
func (v *Verifier) Verify(ctx context.Context, body []byte, signature, timestamp, nonce string) error {
	if err := v.verifySignature(body, signature); err != nil {
		return err
	}
	if err := verifyTimestamp(timestamp, time.Now()); err != nil {
		return err
	}
	return v.verifyNonce(ctx, nonce)
}

// verifySignature сравнивает подпись за константное время.
func (v *Verifier) verifySignature(body []byte, signature string) error {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// verifyTimestamp проверяет, что unix-время запроса в пределах ±5 минут.
func verifyTimestamp(timestamp string, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	sent := time.Unix(ts, 0)
	drift := now.Sub(sent)
	if drift < 0 {
		drift = -drift
	}
	if drift > timestampTolerance {
		return ErrStaleTimestamp
	}
	return nil
}

// verifyNonce атомарно регистрирует nonce: SETNX с TTL.
// Повторный nonce в окне — реплей.
func (v *Verifier) verifyNonce(ctx context.Context, nonce string) error {
	if nonce == "" {
		return ErrNonceReused
	}
	key := fmt.Sprintf("webhook:nonce:%s", nonce)
	ok, err := v.redis.SetNX(ctx, key, "1", nonceTTL).Result()
	if err != nil {
		return fmt.Errorf("проверка nonce: %w", err)
	}
	if !ok {
		return ErrNonceReused
	}
	return nil
}

// Sign вычисляет подпись тела. Используется mock-вендором и тестами.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
