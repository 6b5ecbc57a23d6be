package toolreg

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"agenthost/internal/shared/model"
	"agenthost/pkg/logging"
)

// defaultCacheSize 每个注册表缓存的变换结果数上限
const defaultCacheSize = 64

// ToolServer 可被注册表发现和调用的工具来源
type ToolServer interface {
	ServerID() string
	ListTools(ctx context.Context) ([]model.ToolDeclaration, error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*model.ToolResult, error)
}

// Registry 聚合多个 MCP 服务器的工具并按提供商画像变换
//
// 变换结果按 (服务器集合, 提供商) 缓存；虚拟工具名的解析表
// 随每次变换更新，供执行器把模型发出的调用路由回原始工具。
type Registry struct {
	logger *logging.Logger

	mu          sync.RWMutex
	servers     map[string]ToolServer
	cache       *lru.Cache[string, []model.ToolDeclaration]
	resolutions map[string]Resolution
}

// NewRegistry 创建注册表
func NewRegistry(servers []ToolServer, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default("toolreg")
	}
	cache, _ := lru.New[string, []model.ToolDeclaration](defaultCacheSize)
	byID := make(map[string]ToolServer, len(servers))
	for _, s := range servers {
		byID[s.ServerID()] = s
	}
	return &Registry{
		logger:      logger,
		servers:     byID,
		cache:       cache,
		resolutions: make(map[string]Resolution),
	}
}

// ToolsFor 返回指定服务器集合经提供商画像变换后的工具声明
//
// 发现失败、描述为空或 schema 缺失都是硬错误，不做降级。
func (r *Registry) ToolsFor(ctx context.Context, provider string, serverIDs []string) ([]model.ToolDeclaration, error) {
	key := cacheKey(provider, serverIDs)
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}

	var decls []model.ToolDeclaration
	for _, id := range serverIDs {
		r.mu.RLock()
		server, ok := r.servers[id]
		r.mu.RUnlock()
		if !ok {
			return nil, model.ErrNotFound(fmt.Sprintf("mcp server %s not registered", id))
		}
		tools, err := server.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools from %s: %w", id, err)
		}
		decls = append(decls, tools...)
	}

	transformed, resolutions, err := Transform(decls, ProfileFor(provider))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	for name, res := range resolutions {
		r.resolutions[name] = res
	}
	r.mu.Unlock()

	r.cache.Add(key, transformed)
	r.logger.Debug("tool set transformed",
		"provider", provider,
		"servers", len(serverIDs),
		"tools", len(transformed))
	return transformed, nil
}

// Resolve 解析虚拟工具名对应的原始声明位置
func (r *Registry) Resolve(name string) (Resolution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resolutions[name]
	return res, ok
}

// Invoke 把模型发出的工具调用路由到 MCP 服务器
//
// 拆分产物在下发前把判别字段重新注入参数，原始工具看到的
// 仍是完整入参。
func (r *Registry) Invoke(ctx context.Context, call model.ToolCall) (*model.ToolResult, error) {
	res, ok := r.Resolve(call.Name)
	if !ok {
		return nil, model.ErrNotFound(fmt.Sprintf("tool %s not in registry", call.Name))
	}

	r.mu.RLock()
	server, ok := r.servers[res.Server]
	r.mu.RUnlock()
	if !ok {
		return nil, model.ErrNotFound(fmt.Sprintf("mcp server %s not registered", res.Server))
	}

	arguments := call.Arguments
	if res.Discriminator != "" {
		injected, err := injectField(arguments, res.Discriminator, res.Variant)
		if err != nil {
			return nil, model.ErrInvalid(fmt.Sprintf("tool %s arguments: %v", call.Name, err))
		}
		arguments = injected
	}

	return server.CallTool(ctx, res.Original, arguments)
}

// Invalidate 清空变换缓存；MCP 服务器重启后调用
func (r *Registry) Invalidate() {
	r.cache.Purge()
}

// injectField 向 JSON 对象参数中写入一个字符串字段
func injectField(arguments json.RawMessage, field, value string) (json.RawMessage, error) {
	args := make(map[string]interface{})
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, err
		}
	}
	args[field] = value
	return json.Marshal(args)
}

func cacheKey(provider string, serverIDs []string) string {
	key := provider
	for _, id := range serverIDs {
		key += "|" + id
	}
	return key
}
