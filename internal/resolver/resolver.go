package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fleet-sos/internal/models"
	"fleet-sos/internal/repository"
	"fleet-sos/internal/store"
)

// ErrNoConfiguration 租户无任何匹配的生效配置
var ErrNoConfiguration = errors.New("no applicable alert configuration found")

// Resolver 配置解析器：为 (tenant, team, alert_type) 选出唯一的生效配置。
//
// 匹配规则：
//  1. 仅考虑 is_active 且 AppliesTo(alertType) 的配置
//  2. 小队级配置（team_id 匹配）优先于租户级配置（team_id 为空）
//  3. 同级多条命中时取 priority 最大者，priority 相同取 updated_at 最新者
//
// 解析结果写入短 TTL 缓存，配置变更时按租户整体失效。
type Resolver struct {
	configs   repository.AlertConfigsRepository
	cache     store.KV
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewResolver 创建配置解析器（cache 为 nil 时退化为每次直查数据库）
func NewResolver(configs repository.AlertConfigsRepository, cache store.KV, keyPrefix string, ttl time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		configs:   configs,
		cache:     cache,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger,
	}
}

// cacheKey 缓存键：{prefix}{tenant}:{team|-}:{type}
func (r *Resolver) cacheKey(tenantID string, teamID *string, alertType models.AlertType) string {
	team := "-"
	if teamID != nil && *teamID != "" {
		team = *teamID
	}
	return fmt.Sprintf("%s%s:%s:%s", r.keyPrefix, tenantID, team, alertType)
}

// Resolve 解析 (tenant, team, alert_type) 的生效配置
// 无匹配时返回 ErrNoConfiguration
func (r *Resolver) Resolve(ctx context.Context, tenantID string, teamID *string, alertType models.AlertType) (*models.AlertConfiguration, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	key := r.cacheKey(tenantID, teamID, alertType)

	// 先查缓存
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, key); err == nil {
			var cfg models.AlertConfiguration
			if err := json.Unmarshal([]byte(cached), &cfg); err == nil {
				return &cfg, nil
			}
			// 缓存内容损坏时丢弃，回源重建
			r.logger.Warn("Discarding corrupt resolver cache entry", zap.String("key", key))
		} else if err != store.ErrMiss {
			r.logger.Warn("Resolver cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	cfg, err := r.resolveFromRepo(ctx, tenantID, teamID, alertType)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if data, err := json.Marshal(cfg); err == nil {
			if err := r.cache.Set(ctx, key, string(data), r.ttl); err != nil {
				r.logger.Warn("Resolver cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
	}

	return cfg, nil
}

// resolveFromRepo 回源解析：读取租户全部生效配置并按优先规则挑选
func (r *Resolver) resolveFromRepo(ctx context.Context, tenantID string, teamID *string, alertType models.AlertType) (*models.AlertConfiguration, error) {
	configs, err := r.configs.ListActiveConfigs(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active configurations: %w", err)
	}

	var teamBest, tenantBest *models.AlertConfiguration
	for _, cfg := range configs {
		if !cfg.AppliesTo(alertType) {
			continue
		}
		if cfg.TeamID != nil {
			if teamID == nil || *cfg.TeamID != *teamID {
				continue
			}
			if better(cfg, teamBest) {
				teamBest = cfg
			}
		} else {
			if better(cfg, tenantBest) {
				tenantBest = cfg
			}
		}
	}

	// 小队级优先于租户级
	if teamBest != nil {
		return teamBest, nil
	}
	if tenantBest != nil {
		return tenantBest, nil
	}
	return nil, ErrNoConfiguration
}

// better 候选配置是否优于当前最优（priority 降序，updated_at 降序）
func better(candidate, current *models.AlertConfiguration) bool {
	if current == nil {
		return true
	}
	if candidate.Priority != current.Priority {
		return candidate.Priority > current.Priority
	}
	return candidate.UpdatedAt.After(current.UpdatedAt)
}

// InvalidateTenant 失效租户的全部解析缓存（配置增删改后调用）
func (r *Resolver) InvalidateTenant(ctx context.Context, tenantID string) error {
	if r.cache == nil {
		return nil
	}

	pattern := fmt.Sprintf("%s%s:*", r.keyPrefix, tenantID)
	keys, err := r.cache.ScanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to scan resolver cache keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.cache.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to delete resolver cache keys: %w", err)
	}

	r.logger.Debug("Invalidated resolver cache",
		zap.String("tenant_id", tenantID),
		zap.Int("keys", len(keys)),
	)
	return nil
}
