// Package analytics 分析事件旁路
//
// 订阅事件总线并把事件写入 MongoDB 集合，供离线分析查询。
// 旁路是尽力而为的：写入失败只记日志，绝不反压业务事件流；
// 未配置时 Sink 为 nil，一切操作安全空转。
package analytics

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"agenthost/internal/config"
	"agenthost/internal/shared/eventbus"
	"agenthost/internal/shared/model"
	"agenthost/pkg/logging"
)

// writeTimeout 单条事件写入超时
const writeTimeout = 5 * time.Second

// record 落库的事件文档
type record struct {
	EventID   string                 `bson:"event_id"`
	ContextID string                 `bson:"context_id,omitempty"`
	TaskID    string                 `bson:"task_id,omitempty"`
	Type      string                 `bson:"type"`
	Payload   map[string]interface{} `bson:"payload,omitempty"`
	Timestamp time.Time              `bson:"timestamp"`
}

// Sink 消费事件总线的 MongoDB 写入器
type Sink struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *logging.Logger
	done       chan struct{}
}

// NewSink 创建分析旁路
//
// cfg.Enabled 为 false 时返回 (nil, nil)；nil Sink 的全部方法安全。
func NewSink(cfg config.AnalyticsConfig, logger *logging.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = logging.Default("analytics")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("analytics: connect failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("analytics: ping failed: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "context_events"
	}
	s := &Sink{
		client:     client,
		collection: client.Database(cfg.Database).Collection(collection),
		logger:     logger,
		done:       make(chan struct{}),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		logger.WithError(err).Warn("failed to ensure analytics indexes")
	}
	return s, nil
}

// Run 订阅总线并持续写入，直到 ctx 取消或总线关闭
func (s *Sink) Run(ctx context.Context, bus eventbus.Bus) {
	if s == nil {
		return
	}
	defer close(s.done)

	sub := bus.Subscribe(nil)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			if env.Lagged > 0 {
				s.logger.Warn("analytics sink lagged behind bus", "missed", env.Lagged)
			}
			s.write(env.Event)
		}
	}
}

// Close 断开 MongoDB 连接
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// write 写入单条事件；失败只记日志
func (s *Sink) write(event *model.ContextEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := s.collection.InsertOne(ctx, record{
		EventID:   event.ID,
		ContextID: event.ContextID,
		TaskID:    event.TaskID,
		Type:      string(event.Type),
		Payload:   event.Payload,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to write analytics event", "type", string(event.Type))
	}
}

// ensureIndexes 按查询模式建索引
func (s *Sink) ensureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "context_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "task_id", Value: 1}}},
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "timestamp", Value: 1}}},
	})
	return err
}
