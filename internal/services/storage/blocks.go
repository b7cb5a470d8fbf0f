package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"remnaguard/internal/models"
)

// Скрипт атомарного создания блокировки. Создаёт запись только если
// активной блокировки для пользователя нет — проигравший в гонке
// получает 0 и трактует результат как no-op.
//
// KEYS[1]: хэш блокировки block:{user}
// KEYS[2]: индекс активных блокировок (ZSET user -> unblock_at)
// ARGV: user_id, violation_at, blocked_at, unblock_at, origin,
//       pending_disable, disable_attempts
const createBlockScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1],
    'user_id', ARGV[1],
    'violation_at', ARGV[2],
    'blocked_at', ARGV[3],
    'unblock_at', ARGV[4],
    'origin', ARGV[5],
    'pending_disable', ARGV[6],
    'disable_attempts', ARGV[7],
    'failure_alerted', '0')
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`

// Скрипт продления блокировки: двигает срок только вперёд.
// Возвращает 0 — блокировки нет, 1 — продлено, 2 — новый срок не позже текущего.
//
// KEYS[1]: хэш блокировки, KEYS[2]: индекс активных блокировок
// ARGV[1]: user_id, ARGV[2]: новый unblock_at
const extendBlockScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
local current = tonumber(redis.call('HGET', KEYS[1], 'unblock_at'))
local wanted = tonumber(ARGV[2])
if wanted <= current then
    return 2
end
redis.call('HSET', KEYS[1], 'unblock_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`

const (
	activeBlocksKey        = "active_blocks"
	pendingDisableUsersKey = "pending_disable_users"
)

func blockKey(userID string) string    { return fmt.Sprintf("block:%s", userID) }
func claimKey(userID string) string    { return fmt.Sprintf("unblock_claim:%s", userID) }
func openViolKey(userID string) string { return fmt.Sprintf("viol:%s", userID) }
func violLogKey(userID string) string  { return fmt.Sprintf("viol_log:%s", userID) }
func blockLogKey(userID string) string { return fmt.Sprintf("block_log:%s", userID) }

// --- ViolationStore ---

// OpenViolation возвращает открытое нарушение пользователя, если оно есть.
func (s *RedisStore) OpenViolation(ctx context.Context, userID string) (*models.Violation, error) {
	raw, err := s.client.Get(ctx, openViolKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения нарушения для %s: %w", userID, err)
	}

	var v models.Violation
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("ошибка десериализации нарушения для %s: %w", userID, err)
	}
	return &v, nil
}

// SaveOpenViolation сохраняет (создаёт или обновляет) открытое нарушение.
func (s *RedisStore) SaveOpenViolation(ctx context.Context, v models.Violation) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ошибка сериализации нарушения: %w", err)
	}
	if err := s.client.Set(ctx, openViolKey(v.UserID), payload, 0).Err(); err != nil {
		return fmt.Errorf("ошибка записи нарушения для %s: %w", v.UserID, err)
	}
	return nil
}

// ResolveViolation закрывает открытое нарушение и переносит его в историю.
// Возвращает false, если открытого нарушения не было.
func (s *RedisStore) ResolveViolation(ctx context.Context, userID, resolver string, at time.Time) (bool, error) {
	v, err := s.OpenViolation(ctx, userID)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}

	v.Resolved = true
	v.ResolvedBy = resolver
	v.ResolvedAt = &at
	payload, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("ошибка сериализации нарушения: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, violLogKey(userID), payload)
	pipe.LTrim(ctx, violLogKey(userID), 0, 99)
	pipe.Del(ctx, openViolKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ошибка резолва нарушения для %s: %w", userID, err)
	}
	return true, nil
}

// --- BlockStore ---

// ActiveBlock возвращает активную блокировку пользователя, если она есть.
func (s *RedisStore) ActiveBlock(ctx context.Context, userID string) (*models.TemporaryBlock, error) {
	fields, err := s.client.HGetAll(ctx, blockKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения блокировки для %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	b := blockFromFields(fields)
	return &b, nil
}

// CreateBlock атомарно создаёт блокировку (compare-and-set).
// false означает, что активная блокировка уже существует.
func (s *RedisStore) CreateBlock(ctx context.Context, b models.TemporaryBlock) (bool, error) {
	pending := "0"
	if b.PendingDisable {
		pending = "1"
	}

	result, err := s.client.EvalSha(ctx, s.createBlockSHA,
		[]string{blockKey(b.UserID), activeBlocksKey},
		b.UserID,
		b.ViolationAt.Unix(),
		b.BlockedAt.Unix(),
		b.UnblockAt.Unix(),
		b.Origin,
		pending,
		b.DisableAttempts,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("ошибка создания блокировки для %s: %w", b.UserID, err)
	}

	if result == 1 && b.PendingDisable {
		if err := s.client.SAdd(ctx, pendingDisableUsersKey, b.UserID).Err(); err != nil {
			return true, fmt.Errorf("ошибка пометки pending disable для %s: %w", b.UserID, err)
		}
	}
	return result == 1, nil
}

// ExtendBlock продлевает активную блокировку, но только вперёд.
// false означает, что блокировки нет (её успели снять).
func (s *RedisStore) ExtendBlock(ctx context.Context, userID string, until time.Time) (bool, error) {
	result, err := s.client.EvalSha(ctx, s.extendBlockSHA,
		[]string{blockKey(userID), activeBlocksKey},
		userID,
		until.Unix(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("ошибка продления блокировки для %s: %w", userID, err)
	}
	return result != 0, nil
}

// SetPendingDisable обновляет состояние незавершённого вызова disable.
func (s *RedisStore) SetPendingDisable(ctx context.Context, userID string, pending bool, attempts int) error {
	pendingVal := "0"
	if pending {
		pendingVal = "1"
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, blockKey(userID), "pending_disable", pendingVal, "disable_attempts", attempts)
	if pending {
		pipe.SAdd(ctx, pendingDisableUsersKey, userID)
	} else {
		pipe.SRem(ctx, pendingDisableUsersKey, userID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ошибка обновления pending disable для %s: %w", userID, err)
	}
	return nil
}

// MarkFailureAlerted помечает, что оператор уже уведомлён о проблеме
// с внешним API по этой блокировке. true — пометка поставлена впервые.
func (s *RedisStore) MarkFailureAlerted(ctx context.Context, userID string) (bool, error) {
	set, err := s.client.HSetNX(ctx, blockKey(userID), "failure_alerted", "1").Result()
	if err != nil {
		return false, fmt.Errorf("ошибка пометки уведомления для %s: %w", userID, err)
	}
	if set {
		return true, nil
	}
	val, err := s.client.HGet(ctx, blockKey(userID), "failure_alerted").Result()
	if err != nil && err != redis.Nil {
		return false, err
	}
	if val != "1" {
		err = s.client.HSet(ctx, blockKey(userID), "failure_alerted", "1").Err()
		return err == nil, err
	}
	return false, nil
}

// PendingDisableUsers возвращает пользователей с незавершённым disable.
func (s *RedisStore) PendingDisableUsers(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, pendingDisableUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения pending disable: %w", err)
	}
	return users, nil
}

// DueUnblockUsers возвращает пользователей, чей срок блокировки истёк.
func (s *RedisStore) DueUnblockUsers(ctx context.Context, now time.Time) ([]string, error) {
	users, err := s.client.ZRangeByScore(ctx, activeBlocksKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", float64(now.Unix())),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки истёкших блокировок: %w", err)
	}
	return users, nil
}

// ClaimDueUnblock атомарно забирает блокировку на разблокировку.
// SETNX гарантирует, что два параллельных свипа не снимут одну
// блокировку дважды; TTL страхует от упавшего посреди работы свипа.
func (s *RedisStore) ClaimDueUnblock(ctx context.Context, userID string, claimTTL time.Duration) (bool, error) {
	claimed, err := s.client.SetNX(ctx, claimKey(userID), 1, claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("ошибка захвата разблокировки для %s: %w", userID, err)
	}
	return claimed, nil
}

// ReleaseClaim снимает захват, чтобы следующий цикл свипа повторил попытку.
func (s *RedisStore) ReleaseClaim(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, claimKey(userID)).Err(); err != nil {
		return fmt.Errorf("ошибка освобождения захвата для %s: %w", userID, err)
	}
	return nil
}

// FinalizeUnblock фиксирует фактическое время разблокировки, снимает
// активный флаг и переносит запись в историю.
func (s *RedisStore) FinalizeUnblock(ctx context.Context, userID string, at time.Time) error {
	block, err := s.ActiveBlock(ctx, userID)
	if err != nil {
		return err
	}
	if block == nil {
		return nil
	}

	block.Active = false
	block.ActualUnblockAt = &at
	payload, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("ошибка сериализации блокировки: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, blockLogKey(userID), payload)
	pipe.LTrim(ctx, blockLogKey(userID), 0, 99)
	pipe.Del(ctx, blockKey(userID))
	pipe.ZRem(ctx, activeBlocksKey, userID)
	pipe.SRem(ctx, pendingDisableUsersKey, userID)
	pipe.Del(ctx, claimKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ошибка завершения разблокировки для %s: %w", userID, err)
	}
	return nil
}

func blockFromFields(fields map[string]string) models.TemporaryBlock {
	parseUnix := func(field string) time.Time {
		n, _ := strconv.ParseInt(fields[field], 10, 64)
		return time.Unix(n, 0).UTC()
	}
	attempts, _ := strconv.Atoi(fields["disable_attempts"])

	return models.TemporaryBlock{
		UserID:          fields["user_id"],
		ViolationAt:     parseUnix("violation_at"),
		BlockedAt:       parseUnix("blocked_at"),
		UnblockAt:       parseUnix("unblock_at"),
		Origin:          fields["origin"],
		Active:          true,
		PendingDisable:  fields["pending_disable"] == "1",
		DisableAttempts: attempts,
	}
}
