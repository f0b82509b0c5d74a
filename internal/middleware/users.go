package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"genflow-api/internal/shared"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// UserManager resolves session tokens to users. redis may be nil, in which
// case every lookup goes to the database.
type UserManager struct {
	redis       *redis.Client
	rdb         *sql.DB
	log         *zap.SugaredLogger
	internalKey string
}

func NewUserManager(redisClient *redis.Client, rdb *sql.DB, internalKey string, log *zap.SugaredLogger) *UserManager {
	return &UserManager{redis: redisClient, rdb: rdb, log: log, internalKey: internalKey}
}

func sessionCacheKey(token string) string {
	return fmt.Sprintf("v1:user:session:%s", token)
}

func (u *UserManager) getUserFromSession(ctx context.Context, token string) (*shared.UserMetadata, error) {
	var userMetadata shared.UserMetadata
	userMetadata.Token = token

	cacheKey := sessionCacheKey(token)
	if u.redis != nil {
		cached, err := u.redis.Get(ctx, cacheKey).Result()
		if err == nil {
			if err := json.Unmarshal([]byte(cached), &userMetadata); err == nil {
				return &userMetadata, nil
			}
			u.log.Errorw("Error unmarshalling user info cache", "error", err)
		} else if !errors.Is(err, redis.Nil) {
			u.log.Warnw("User cache unavailable", "error", err)
		}
	}
	u.log.Debugw("User cache miss", "key", cacheKey)

	err := u.rdb.QueryRowContext(ctx, `
		SELECT
		user.id,
		user.email,
		user.credits
		FROM user
		INNER JOIN session ON user.id = session.user_id
		WHERE session.token = ? AND session.expires_at > ?
		`, token, time.Now().UTC()).Scan(
		&userMetadata.UserID,
		&userMetadata.Email,
		&userMetadata.Credits,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			u.log.Warnw("Invalid or expired session")
			return nil, shared.ErrUnauthorized
		}
		u.log.Errorw("Database error during session validation", "error", err)
		return nil, shared.ErrUnauthorized
	}
	if u.redis != nil {
		go func() {
			payload, err := json.Marshal(userMetadata)
			if err != nil {
				u.log.Errorw("Error marshalling user info", "error", err)
				return
			}
			u.redis.Set(context.Background(), cacheKey, payload, shared.UserInfoCacheTTL)
		}()
	}
	return &userMetadata, nil
}
