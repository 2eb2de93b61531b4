package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin/monitor"
)

// Config 描述指标存储的连接参数。
type Config struct {
	Address   string        `json:"address"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	KeyPrefix string        `json:"key_prefix"`
	Retention time.Duration `json:"retention"`
}

// SeriesStore 将监控采集点写入 Redis 有序集合。
type SeriesStore struct {
	client    goredis.UniversalClient
	prefix    string
	retention time.Duration
}

var _ monitor.SeriesStore = (*SeriesStore)(nil)

// NewSeriesStore 连接 Redis 并返回存储。
func NewSeriesStore(ctx context.Context, cfg Config) (*SeriesStore, error) {
	if cfg.Address == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperrors.Wrap(apperrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return newSeriesStore(client, cfg), nil
}

func newSeriesStore(client goredis.UniversalClient, cfg Config) *SeriesStore {
	s := &SeriesStore{client: client, prefix: cfg.KeyPrefix, retention: cfg.Retention}
	if s.prefix == "" {
		s.prefix = "pluginhost"
	}
	if s.retention <= 0 {
		s.retention = 7 * 24 * time.Hour
	}
	return s
}

// Append 写入一个采集点并刷新过期时间。
func (s *SeriesStore) Append(ctx context.Context, pluginID, metric string, p monitor.TrendPoint) error {
	key := s.seriesKey(pluginID, metric)
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, goredis.Z{Score: float64(p.Timestamp.UnixMilli()), Member: encodeMember(p)})
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, err, "写入指标序列失败")
	}
	return nil
}

// Range 按时间顺序返回 [from, to] 区间内的采集点。
func (s *SeriesStore) Range(ctx context.Context, pluginID, metric string, from, to time.Time) ([]monitor.TrendPoint, error) {
	members, err := s.client.ZRangeByScore(ctx, s.seriesKey(pluginID, metric), &goredis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "读取指标序列失败")
	}
	points := make([]monitor.TrendPoint, 0, len(members))
	for _, m := range members {
		p, err := decodeMember(m)
		if err != nil {
			continue
		}
		points = append(points, p)
	}
	return points, nil
}

// Purge 删除插件全部指标序列。
func (s *SeriesStore) Purge(ctx context.Context, pluginID string) error {
	var cursor uint64
	pattern := s.seriesKey(pluginID, "*")
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return apperrors.Wrap(apperrors.CodeStorageFailure, err, "扫描指标序列失败")
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return apperrors.Wrap(apperrors.CodeStorageFailure, err, "删除指标序列失败")
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close 关闭连接。
func (s *SeriesStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *SeriesStore) seriesKey(pluginID, metric string) string {
	return fmt.Sprintf("%s:series:%s:%s", s.prefix, pluginID, metric)
}

// encodeMember 将时间戳写入成员值，相同数值的不同采集点不会被 ZADD 合并。
func encodeMember(p monitor.TrendPoint) string {
	return strconv.FormatInt(p.Timestamp.UnixMilli(), 10) + ":" + strconv.FormatFloat(p.Value, 'g', -1, 64)
}

func decodeMember(member string) (monitor.TrendPoint, error) {
	ts, value, ok := strings.Cut(member, ":")
	if !ok {
		return monitor.TrendPoint{}, errors.New("成员格式错误")
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return monitor.TrendPoint{}, fmt.Errorf("解析时间戳失败: %w", err)
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return monitor.TrendPoint{}, fmt.Errorf("解析指标值失败: %w", err)
	}
	return monitor.TrendPoint{Timestamp: time.UnixMilli(ms), Value: v}, nil
}
