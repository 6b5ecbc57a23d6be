// Package toolreg 工具注册表与 Schema 变换
//
// 目录结构：
//   - registry.go:  MCP 工具发现、缓存、虚拟名解析与调用
//   - transform.go: 按提供商能力画像变换工具声明
//
// 变换规则：
//   - 画像支持 oneOf 判别联合时原样透传
//   - 不支持时按判别字段自动拆分：每个判别值一个虚拟工具，
//     名为 "{原名}_{变体}"，schema 为基础属性（去掉判别字段）
//     并上变体属性，required 为并集再去掉判别字段
//   - 每个画像可声明要剥除的 schema 关键字
//
// 变换是纯函数且幂等：拆分产物不再含 oneOf，二次变换原样通过。
package toolreg

import (
	"fmt"
	"sort"
	"strings"

	"agenthost/internal/shared/model"
)

// maxToolNameLen 工具名长度上限
const maxToolNameLen = 64

// Profile 提供商的 schema 能力画像
type Profile struct {
	// SupportsUnions 是否接受 oneOf 判别联合
	SupportsUnions bool

	// StripKeywords 发送前要从 schema 剥除的关键字
	StripKeywords []string
}

// profiles 内建画像；未知提供商按透传处理
var profiles = map[string]Profile{
	"anthropic": {SupportsUnions: true},
	"openai":    {SupportsUnions: true},
	"gemini": {
		SupportsUnions: false,
		StripKeywords:  []string{"$schema", "$id", "additionalProperties", "examples"},
	},
}

// ProfileFor 查找提供商画像
func ProfileFor(provider string) Profile {
	if p, ok := profiles[provider]; ok {
		return p
	}
	return Profile{SupportsUnions: true}
}

// Resolution 虚拟工具名到原始声明的映射
type Resolution struct {
	Server        string // MCP 服务器标识
	Original      string // 原始工具名
	Discriminator string // 判别字段名（未拆分时为空）
	Variant       string // 判别值（未拆分时为空）
}

// Transform 按画像变换一组工具声明
//
// 返回变换后的声明与虚拟名→原始声明的解析表。描述为空或
// schema 缺失属硬配置错误。
func Transform(decls []model.ToolDeclaration, profile Profile) ([]model.ToolDeclaration, map[string]Resolution, error) {
	out := make([]model.ToolDeclaration, 0, len(decls))
	resolutions := make(map[string]Resolution, len(decls))

	for _, decl := range decls {
		if strings.TrimSpace(decl.Description) == "" {
			return nil, nil, model.ErrInvalid(fmt.Sprintf("tool %s has no description", decl.Name))
		}
		if decl.InputSchema == nil {
			return nil, nil, model.ErrInvalid(fmt.Sprintf("tool %s has no input schema", decl.Name))
		}

		field, variants := discriminatedUnion(decl.InputSchema)
		if field == "" || profile.SupportsUnions {
			t := decl
			t.Name = SanitizeName(decl.Name)
			t.InputSchema = stripKeywords(decl.InputSchema, profile.StripKeywords)
			out = append(out, t)
			resolutions[t.Name] = Resolution{Server: decl.MCPServer, Original: decl.Name}
			continue
		}

		for _, v := range variants {
			split := splitVariant(decl, field, v)
			split.Name = SanitizeName(split.Name)
			split.InputSchema = stripKeywords(split.InputSchema, profile.StripKeywords)
			out = append(out, split)
			resolutions[split.Name] = Resolution{
				Server:        decl.MCPServer,
				Original:      decl.Name,
				Discriminator: field,
				Variant:       v.value,
			}
		}
	}
	return out, resolutions, nil
}

// variant 联合中的一个分支
type variant struct {
	value    string
	schema   map[string]interface{}
	required []string
}

// discriminatedUnion 识别顶层 oneOf 判别联合
//
// 要求每个分支都有同一个携带字面值（const 或单值 enum）的属性，
// 该属性即判别字段。识别失败返回空字段名。
func discriminatedUnion(schema map[string]interface{}) (string, []variant) {
	raw, ok := schema["oneOf"].([]interface{})
	if !ok || len(raw) == 0 {
		return "", nil
	}

	var field string
	variants := make([]variant, 0, len(raw))
	for _, item := range raw {
		branch, ok := item.(map[string]interface{})
		if !ok {
			return "", nil
		}
		props, ok := branch["properties"].(map[string]interface{})
		if !ok {
			return "", nil
		}

		name, value := literalProperty(props)
		if name == "" {
			return "", nil
		}
		if field == "" {
			field = name
		} else if field != name {
			return "", nil
		}
		variants = append(variants, variant{
			value:    value,
			schema:   branch,
			required: stringSlice(branch["required"]),
		})
	}
	return field, variants
}

// literalProperty 找出属性中携带字面值的判别候选
func literalProperty(props map[string]interface{}) (string, string) {
	// 字段按名字排序保证确定性
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, ok := props[name].(map[string]interface{})
		if !ok {
			continue
		}
		if c, ok := prop["const"].(string); ok {
			return name, c
		}
		if enum, ok := prop["enum"].([]interface{}); ok && len(enum) == 1 {
			if s, ok := enum[0].(string); ok {
				return name, s
			}
		}
	}
	return "", ""
}

// splitVariant 产出一个分支的虚拟工具
func splitVariant(decl model.ToolDeclaration, field string, v variant) model.ToolDeclaration {
	baseProps, _ := decl.InputSchema["properties"].(map[string]interface{})
	variantProps, _ := v.schema["properties"].(map[string]interface{})

	merged := make(map[string]interface{})
	for name, prop := range baseProps {
		if name != field {
			merged[name] = prop
		}
	}
	for name, prop := range variantProps {
		if name != field {
			merged[name] = prop
		}
	}

	required := unionStrings(stringSlice(decl.InputSchema["required"]), v.required)
	filtered := required[:0]
	for _, r := range required {
		if r != field {
			filtered = append(filtered, r)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": merged,
	}
	if len(filtered) > 0 {
		schema["required"] = filtered
	}

	return model.ToolDeclaration{
		Name:         decl.Name + "_" + v.value,
		Description:  decl.Description + " - " + humanise(v.value),
		InputSchema:  schema,
		OutputSchema: decl.OutputSchema,
		MCPServer:    decl.MCPServer,
	}
}

// SanitizeName 工具名净化为 [A-Za-z0-9_.:-]{<=64}，首字符须为
// 字母或下划线。纯函数且幂等；非法名确定性地映射为合法名。
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '_', r == '.', r == ':', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" {
		s = "_"
	}
	first := s[0]
	if !(first >= 'a' && first <= 'z' || first >= 'A' && first <= 'Z' || first == '_') {
		s = "_" + s
	}
	if len(s) > maxToolNameLen {
		s = s[:maxToolNameLen]
	}
	return s
}

// humanise 判别值转可读标题："get_data" → "Get Data"
func humanise(value string) string {
	words := strings.FieldsFunc(value, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// stripKeywords 递归剥除指定关键字；原 schema 不被修改
func stripKeywords(schema map[string]interface{}, keywords []string) map[string]interface{} {
	if len(keywords) == 0 {
		return schema
	}
	banned := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		banned[k] = true
	}
	return stripValue(schema, banned).(map[string]interface{})
}

func stripValue(value interface{}, banned map[string]bool) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, inner := range v {
			if banned[key] {
				continue
			}
			out[key] = stripValue(inner, banned)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			out[i] = stripValue(inner, banned)
		}
		return out
	default:
		return value
	}
}

func stringSlice(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
