package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"remnaguard/internal/models"
)

// EventStore отвечает за идемпотентность батчей и журнал событий подключений.
type EventStore interface {
	SeenBatch(ctx context.Context, nodeID, idempotencyKey string) (bool, error)
	PersistEvent(ctx context.Context, event models.ConnectionEvent) (bool, error)
}

// WindowStore отвечает за скользящее окно IP-адресов пользователя.
type WindowStore interface {
	TouchIP(ctx context.Context, userID, ip string, seenAt time.Time) error
	WindowIPs(ctx context.Context, userID string, window time.Duration, now time.Time) ([]string, error)
	ListWindowUsers(ctx context.Context) ([]string, error)
}

// ViolationStore отвечает за открытые нарушения и их историю.
type ViolationStore interface {
	OpenViolation(ctx context.Context, userID string) (*models.Violation, error)
	SaveOpenViolation(ctx context.Context, v models.Violation) error
	ResolveViolation(ctx context.Context, userID, resolver string, at time.Time) (bool, error)
}

// BlockStore отвечает за временные блокировки. CreateBlock и ClaimDueUnblock —
// единственные операции с семантикой compare-and-set.
type BlockStore interface {
	ActiveBlock(ctx context.Context, userID string) (*models.TemporaryBlock, error)
	CreateBlock(ctx context.Context, b models.TemporaryBlock) (bool, error)
	ExtendBlock(ctx context.Context, userID string, until time.Time) (bool, error)
	SetPendingDisable(ctx context.Context, userID string, pending bool, attempts int) error
	MarkFailureAlerted(ctx context.Context, userID string) (bool, error)
	PendingDisableUsers(ctx context.Context) ([]string, error)
	DueUnblockUsers(ctx context.Context, now time.Time) ([]string, error)
	ClaimDueUnblock(ctx context.Context, userID string, claimTTL time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, userID string) error
	FinalizeUnblock(ctx context.Context, userID string, at time.Time) error
}

// EscalationStore считает принудительные меры пользователя в горизонте давности.
type EscalationStore interface {
	RecordEnforcement(ctx context.Context, userID string, at time.Time) error
	CountEnforcements(ctx context.Context, userID string, since time.Time) (int, error)
}

// TokenStore хранит токены агентов нод. В Redis лежат только bcrypt-хэши.
type TokenStore interface {
	SetNodeToken(ctx context.Context, nodeID, token string) error
	VerifyNodeToken(ctx context.Context, nodeID, token string) (bool, error)
	RevokeNodeToken(ctx context.Context, nodeID string) error
}

// RedisStore реализует все хранилища пайплайна поверх Redis.
type RedisStore struct {
	client         *redis.Client
	eventRetention time.Duration

	createBlockSHA string
	extendBlockSHA string
}

// NewRedisStore подключается к Redis и загружает Lua-скрипты.
func NewRedisStore(ctx context.Context, redisURL string, eventRetention time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ошибка подключения к Redis: %w", err)
	}

	createBlockSHA, err := client.ScriptLoad(ctx, createBlockScript).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки Lua-скрипта (create block): %w", err)
	}
	extendBlockSHA, err := client.ScriptLoad(ctx, extendBlockScript).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки Lua-скрипта (extend block): %w", err)
	}

	log.Println("Успешное подключение к Redis и загрузка Lua-скриптов.")
	return &RedisStore{
		client:         client,
		eventRetention: eventRetention,
		createBlockSHA: createBlockSHA,
		extendBlockSHA: extendBlockSHA,
	}, nil
}

// Client отдаёт низкоуровневый клиент (нужен policy-хранилищу).
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Ping проверяет соединение с Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close закрывает соединение с Redis.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// --- EventStore ---

// SeenBatch атомарно отмечает ключ идемпотентности батча.
// true означает, что батч уже доставлялся и должен быть посчитан дубликатом.
func (s *RedisStore) SeenBatch(ctx context.Context, nodeID, idempotencyKey string) (bool, error) {
	key := fmt.Sprintf("batch_seen:%s:%s", nodeID, idempotencyKey)
	created, err := s.client.SetNX(ctx, key, 1, 24*time.Hour).Result()
	if err != nil {
		return false, fmt.Errorf("ошибка проверки ключа идемпотентности: %w", err)
	}
	return !created, nil
}

// PersistEvent сохраняет событие подключения, если кортеж
// (нода, пользователь, IP, время подключения) ещё не встречался.
// Возвращает false для дубликата.
func (s *RedisStore) PersistEvent(ctx context.Context, event models.ConnectionEvent) (bool, error) {
	owner := event.UserID
	logKey := fmt.Sprintf("events:%s", owner)
	if owner == "" {
		owner = event.RawHint
		logKey = "events:_unresolved"
	}

	dedupKey := fmt.Sprintf("evt:%s:%s:%s:%d", event.NodeID, owner, event.IPAddress, event.ConnectedAt.Unix())
	created, err := s.client.SetNX(ctx, dedupKey, 1, s.eventRetention).Result()
	if err != nil {
		return false, fmt.Errorf("ошибка дедупликации события: %w", err)
	}
	if !created {
		return false, nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("ошибка сериализации события: %w", err)
	}

	cutoff := float64(time.Now().Add(-s.eventRetention).Unix())
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, logKey, redis.Z{Score: float64(event.ConnectedAt.Unix()), Member: payload})
	pipe.ZRemRangeByScore(ctx, logKey, "-inf", fmt.Sprintf("(%f", cutoff))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ошибка записи события в журнал: %w", err)
	}
	return true, nil
}

// --- WindowStore ---

// TouchIP обновляет отметку последнего появления IP в окне пользователя.
// ZADD GT гарантирует, что запоздавшее событие не откатит отметку назад.
func (s *RedisStore) TouchIP(ctx context.Context, userID, ip string, seenAt time.Time) error {
	key := fmt.Sprintf("ipwin:%s", userID)
	pipe := s.client.TxPipeline()
	pipe.ZAddGT(ctx, key, redis.Z{Score: float64(seenAt.Unix()), Member: ip})
	pipe.Expire(ctx, key, s.eventRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ошибка обновления окна IP для %s: %w", userID, err)
	}
	return nil
}

// WindowIPs возвращает IP, замеченные в интервале [now-window, now].
// Устаревшие записи вычищаются лениво при чтении.
func (s *RedisStore) WindowIPs(ctx context.Context, userID string, window time.Duration, now time.Time) ([]string, error) {
	key := fmt.Sprintf("ipwin:%s", userID)
	cutoff := float64(now.Add(-window).Unix())

	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%f", cutoff)).Err(); err != nil {
		return nil, fmt.Errorf("ошибка очистки окна IP для %s: %w", userID, err)
	}

	ips, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", cutoff),
		Max: fmt.Sprintf("%f", float64(now.Unix())),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения окна IP для %s: %w", userID, err)
	}
	return ips, nil
}

// ListWindowUsers сканирует ключи окон и возвращает идентификаторы пользователей.
func (s *RedisStore) ListWindowUsers(ctx context.Context) ([]string, error) {
	var cursor uint64
	var users []string
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "ipwin:*", 500).Result()
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования окон IP: %w", err)
		}
		for _, key := range keys {
			parts := strings.SplitN(key, ":", 2)
			if len(parts) == 2 {
				users = append(users, parts[1])
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return users, nil
}

// --- EscalationStore ---

// RecordEnforcement фиксирует принудительную меру (блокировку, не предупреждение).
func (s *RedisStore) RecordEnforcement(ctx context.Context, userID string, at time.Time) error {
	key := fmt.Sprintf("enf:%s", userID)
	member := strconv.FormatInt(at.UnixNano(), 10)
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: float64(at.Unix()), Member: member}).Err(); err != nil {
		return fmt.Errorf("ошибка записи эскалации для %s: %w", userID, err)
	}
	return nil
}

// CountEnforcements возвращает количество мер с момента since,
// попутно вычищая записи за пределами горизонта.
func (s *RedisStore) CountEnforcements(ctx context.Context, userID string, since time.Time) (int, error) {
	key := fmt.Sprintf("enf:%s", userID)
	min := fmt.Sprintf("%f", float64(since.Unix()))

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%s", min))
	countCmd := pipe.ZCount(ctx, key, min, "+inf")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта эскалации для %s: %w", userID, err)
	}
	return int(countCmd.Val()), nil
}

// --- TokenStore ---

const nodeTokensKey = "node_tokens"

// SetNodeToken сохраняет bcrypt-хэш токена агента для ноды.
func (s *RedisStore) SetNodeToken(ctx context.Context, nodeID, token string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("ошибка хэширования токена: %w", err)
	}
	if err := s.client.HSet(ctx, nodeTokensKey, nodeID, string(hash)).Err(); err != nil {
		return fmt.Errorf("ошибка сохранения токена ноды %s: %w", nodeID, err)
	}
	return nil
}

// VerifyNodeToken сверяет предъявленный токен с хэшем, закреплённым за нодой.
func (s *RedisStore) VerifyNodeToken(ctx context.Context, nodeID, token string) (bool, error) {
	hash, err := s.client.HGet(ctx, nodeTokensKey, nodeID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ошибка чтения токена ноды %s: %w", nodeID, err)
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil, nil
}

// RevokeNodeToken отзывает токен агента у ноды.
func (s *RedisStore) RevokeNodeToken(ctx context.Context, nodeID string) error {
	if err := s.client.HDel(ctx, nodeTokensKey, nodeID).Err(); err != nil {
		return fmt.Errorf("ошибка отзыва токена ноды %s: %w", nodeID, err)
	}
	return nil
}
