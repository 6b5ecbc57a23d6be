package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/containerd/errdefs"

	"agenthost/internal/agent/runner"
	"agenthost/internal/shared/model"
)

// JSON-RPC 2.0 错误码
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// rpcRequest JSON-RPC 请求信封
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse JSON-RPC 响应信封
type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

// rpcError JSON-RPC 错误对象
type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ============================================================================
// A2A 线上对象
// ============================================================================

// taskStatusDTO 任务状态
type taskStatusDTO struct {
	State     string `json:"state"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// taskDTO A2A Task 实体
type taskDTO struct {
	ID        string                 `json:"id"`
	ContextID string                 `json:"contextId"`
	Kind      string                 `json:"kind"`
	Status    taskStatusDTO          `json:"status"`
	History   []messageDTO           `json:"history,omitempty"`
	Artifacts []artifactDTO          `json:"artifacts,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// messageDTO A2A Message 实体；角色序列化为 user / agent
type messageDTO struct {
	MessageID string    `json:"messageId"`
	Role      string    `json:"role"`
	Parts     []partDTO `json:"parts"`
	TaskID    string    `json:"taskId,omitempty"`
	ContextID string    `json:"contextId,omitempty"`
	Kind      string    `json:"kind"`
}

// partDTO A2A Part；kind ∈ {text, file, data}
type partDTO struct {
	Kind string          `json:"kind"`
	Text string          `json:"text,omitempty"`
	File *filePartDTO    `json:"file,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type filePartDTO struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

type artifactDTO struct {
	ArtifactID string          `json:"artifactId"`
	Type       string          `json:"type"`
	ToolName   string          `json:"toolName,omitempty"`
	Content    json.RawMessage `json:"content"`
}

// ============================================================================
// 方法分发
// ============================================================================

// AgentRPC A2A JSON-RPC 入口
//
// 路由: POST /api/v1/agents/{name}
//
// 支持的方法：
//   - message/send: 提交用户消息，同步执行到终局并返回 Task
//   - tasks/get:    查询任务（contextId 从存储解析，无需调用方携带）
//   - tasks/cancel: 协作式取消执行中的任务
func (h *Handler) AgentRPC(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("name")

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}

	var (
		result interface{}
		rerr   *rpcError
	)
	switch req.Method {
	case "message/send":
		result, rerr = h.messageSend(r, agent, req.Params)
	case "tasks/get":
		result, rerr = h.tasksGet(r, req.Params)
	case "tasks/cancel":
		result, rerr = h.tasksCancel(r, req.Params)
	default:
		rerr = &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if rerr != nil {
		resp.Error = rerr
	} else {
		resp.Result = result
	}
	writeRPC(w, resp)
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	writeJSON(w, http.StatusOK, resp)
}

// rpcFromError 存储/执行错误到 JSON-RPC 错误的映射
func rpcFromError(err error) *rpcError {
	switch {
	case errdefs.IsInvalidArgument(err):
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	default:
		return &rpcError{Code: codeServerError, Message: err.Error()}
	}
}

// ============================================================================
// message/send
// ============================================================================

type sendParams struct {
	Message struct {
		MessageID string    `json:"messageId"`
		TaskID    string    `json:"taskId"`
		ContextID string    `json:"contextId"`
		Role      string    `json:"role"`
		Parts     []partDTO `json:"parts"`
	} `json:"message"`
}

func (h *Handler) messageSend(r *http.Request, agent string, raw json.RawMessage) (interface{}, *rpcError) {
	run, ok := h.runners[agent]
	if !ok {
		return nil, &rpcError{Code: codeServerError, Message: "unknown agent: " + agent}
	}

	var params sendParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	if len(params.Message.Parts) == 0 {
		return nil, &rpcError{Code: codeInvalidParams, Message: "message requires at least one part"}
	}
	if params.Message.Role != "" && params.Message.Role != "user" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "message role must be user"}
	}

	parts, err := dtoToParts(params.Message.Parts)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}

	req := runner.Request{
		TaskID:    params.Message.TaskID,
		ContextID: params.Message.ContextID,
		Message: &model.Message{
			ClientMessageID: params.Message.MessageID,
			Parts:           parts,
		},
	}
	if claims := ClaimsFrom(r.Context()); claims != nil {
		req.UserID = claims.UserID
		req.SessionID = claims.SessionID
	}

	task, err := run.Run(r.Context(), req)
	if err != nil {
		return nil, rpcFromError(err)
	}
	return h.taskToDTO(r, task, 0)
}

// ============================================================================
// tasks/get
// ============================================================================

type getParams struct {
	ID            string `json:"id"`
	HistoryLength *int   `json:"historyLength,omitempty"`
}

func (h *Handler) tasksGet(r *http.Request, raw json.RawMessage) (interface{}, *rpcError) {
	var params getParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ID == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "task id is required"}
	}

	task, err := h.store.GetTask(r.Context(), params.ID)
	if err != nil {
		return nil, rpcFromError(err)
	}

	limit := 0
	if params.HistoryLength != nil {
		limit = *params.HistoryLength
	}
	return h.taskToDTO(r, task, limit)
}

// ============================================================================
// tasks/cancel
// ============================================================================

type cancelParams struct {
	ID string `json:"id"`
}

func (h *Handler) tasksCancel(r *http.Request, raw json.RawMessage) (interface{}, *rpcError) {
	var params cancelParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ID == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "task id is required"}
	}

	task, err := h.store.GetTask(r.Context(), params.ID)
	if err != nil {
		return nil, rpcFromError(err)
	}
	if task.State.IsTerminal() {
		return nil, &rpcError{Code: codeServerError, Message: "task is not cancelable: " + string(task.State)}
	}

	if run, ok := h.runners[task.AgentName]; ok {
		run.Cancel(task.ID)
	}

	// 取消是协作式的；返回存储中的当前状态
	task, err = h.store.GetTask(r.Context(), params.ID)
	if err != nil {
		return nil, rpcFromError(err)
	}
	return h.taskToDTO(r, task, 0)
}

// ============================================================================
// DTO 转换
// ============================================================================

// taskToDTO 把存储中的任务组装为 A2A Task 实体
//
// historyLimit > 0 时只返回最近的 N 条消息。
func (h *Handler) taskToDTO(r *http.Request, task *model.Task, historyLimit int) (*taskDTO, *rpcError) {
	msgs, err := h.store.ListMessages(r.Context(), task.ID, historyLimit)
	if err != nil {
		return nil, rpcFromError(err)
	}
	artifacts, err := h.store.ListArtifacts(r.Context(), task.ID)
	if err != nil {
		return nil, rpcFromError(err)
	}

	dto := &taskDTO{
		ID:        task.ID,
		ContextID: task.ContextID,
		Kind:      "task",
		Status: taskStatusDTO{
			State:   string(task.State),
			Message: task.ErrorMessage,
		},
		Metadata: map[string]interface{}{
			"agent_name": task.AgentName,
			"trace_id":   task.TraceID,
		},
	}
	if task.CompletedAt != nil {
		dto.Status.Timestamp = task.CompletedAt.UTC().Format(time.RFC3339)
	} else {
		dto.Status.Timestamp = task.UpdatedAt.UTC().Format(time.RFC3339)
	}

	for _, m := range msgs {
		dto.History = append(dto.History, messageToDTO(m))
	}
	for _, a := range artifacts {
		dto.Artifacts = append(dto.Artifacts, artifactDTO{
			ArtifactID: a.ID,
			Type:       string(a.Type),
			ToolName:   a.ToolName,
			Content:    a.Content,
		})
	}
	return dto, nil
}

func messageToDTO(m *model.Message) messageDTO {
	dto := messageDTO{
		MessageID: m.ID,
		Role:      string(m.Role),
		TaskID:    m.TaskID,
		ContextID: m.ContextID,
		Kind:      "message",
	}
	for _, p := range m.Parts {
		dto.Parts = append(dto.Parts, partToDTO(p))
	}
	return dto
}

func partToDTO(p model.Part) partDTO {
	switch p.Kind {
	case model.PartKindFile:
		file := &filePartDTO{Name: p.FileName, MimeType: p.FileMime, URI: p.FileURI}
		if len(p.FileBytes) > 0 {
			file.Bytes = base64.StdEncoding.EncodeToString(p.FileBytes)
		}
		return partDTO{Kind: "file", File: file}
	case model.PartKindData:
		return partDTO{Kind: "data", Data: p.Data}
	default:
		return partDTO{Kind: "text", Text: p.Text}
	}
}

// dtoToParts A2A Part 到存储 Part 的转换；消息内稠密编号
func dtoToParts(parts []partDTO) ([]model.Part, error) {
	out := make([]model.Part, 0, len(parts))
	for i, p := range parts {
		var part model.Part
		switch p.Kind {
		case "text":
			part = model.TextPart(p.Text)
		case "file":
			if p.File == nil {
				return nil, model.ErrInvalid("file part requires a file object")
			}
			var data []byte
			if p.File.Bytes != "" {
				decoded, err := base64.StdEncoding.DecodeString(p.File.Bytes)
				if err != nil {
					return nil, model.ErrInvalid("file part bytes must be base64")
				}
				data = decoded
			}
			part = model.FilePart(p.File.Name, p.File.MimeType, data)
			part.FileURI = p.File.URI
		case "data":
			part = model.DataPart(p.Data)
		default:
			return nil, model.ErrInvalid("unknown part kind: " + p.Kind)
		}
		part.SequenceNumber = i
		out = append(out, part)
	}
	return out, nil
}
