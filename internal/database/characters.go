package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"genflow-api/internal/characters"
	"genflow-api/internal/shared"

	"github.com/manifold-inc/manifold-sdk/lib/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CharacterStore reads custom characters, fronted by a redis cache when one
// is configured.
type CharacterStore struct {
	rdb   *sql.DB
	redis *redis.Client
	log   *zap.SugaredLogger
}

func NewCharacterStore(rdb *sql.DB, redisClient *redis.Client, log *zap.SugaredLogger) *CharacterStore {
	return &CharacterStore{rdb: rdb, redis: redisClient, log: log}
}

func characterCacheKey(id string) string {
	return fmt.Sprintf("v1:character:%s", id)
}

func (s *CharacterStore) LookupByIDs(ctx context.Context, ids []string) ([]characters.Character, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	out := make([]characters.Character, 0, len(ids))
	missing := ids
	if s.redis != nil {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = characterCacheKey(id)
		}
		vals, err := s.redis.MGet(ctx, keys...).Result()
		if err == nil {
			missing = missing[:0:0]
			for i, v := range vals {
				raw, ok := v.(string)
				if !ok {
					missing = append(missing, ids[i])
					continue
				}
				var c characters.Character
				if err := json.Unmarshal([]byte(raw), &c); err != nil {
					s.log.Errorw("Error unmarshalling character cache", "error", err)
					missing = append(missing, ids[i])
					continue
				}
				out = append(out, c)
			}
		} else {
			s.log.Warnw("character cache read failed", "error", err)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	args := make([]any, len(missing))
	for i, id := range missing {
		args[i] = id
	}
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT character_uniqid,
		COALESCE(image, ''),
		COALESCE(alt_prompt, ''),
		COALESCE(character_description, '')
		FROM custom_character
		WHERE character_uniqid IN (`+placeholders(len(missing))+`)`, args...)
	if err != nil {
		return nil, utils.Wrap("failed querying characters", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var fetched []characters.Character
	for rows.Next() {
		var c characters.Character
		if err := rows.Scan(&c.ID, &c.Image, &c.AltPrompt, &c.Description); err != nil {
			return nil, utils.Wrap("failed scanning character", err)
		}
		fetched = append(fetched, c)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.Wrap("Error iterating over character rows", err)
	}

	if s.redis != nil && len(fetched) > 0 {
		go s.cache(fetched)
	}
	return append(out, fetched...), nil
}

func (s *CharacterStore) cache(chars []characters.Character) {
	ctx, cancel := context.WithTimeout(context.Background(), shared.DefaultUploadTimeout)
	defer cancel()
	pipe := s.redis.Pipeline()
	for _, c := range chars {
		b, err := json.Marshal(c)
		if err != nil {
			s.log.Errorw("Error marshalling character", "error", err)
			continue
		}
		pipe.Set(ctx, characterCacheKey(c.ID), b, shared.CharacterCacheTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warnw("failed caching characters", "error", err)
	}
}
