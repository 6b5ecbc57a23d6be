package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"agenthost/internal/shared/eventbus"
	"agenthost/internal/shared/model"
)

// StreamContext SSE 事件流
//
// 路由: GET /api/v1/contexts/{context_id}/stream
//
// 每个事件编码为 `event: <type>\ndata: <json>\n\n`；按配置间隔
// （默认 15s）发送 heartbeat 保活。会话流跨任务保持打开，单个
// 任务的终局以 run_finished / run_error 事件表达；断线重连由
// 客户端自理，无回放缓冲。
func (h *Handler) StreamContext(w http.ResponseWriter, r *http.Request) {
	contextID := r.PathValue("context_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, model.ErrInternal("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := h.bus.Subscribe(eventbus.ContextFilter(contextID))
	defer sub.Close()

	writeSSE(w, model.EventConnected, map[string]interface{}{"context_id": contextID})
	flusher.Flush()

	ticker := time.NewTicker(h.cfg.YAML.Stream.HeartbeatInterval())
	defer ticker.Stop()

	logger := h.logger.WithContext(r.Context())
	logger.Debug("sse subscriber connected", "context_id", contextID)

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("sse subscriber disconnected", "context_id", contextID)
			return
		case <-ticker.C:
			writeSSE(w, model.EventHeartbeat, map[string]interface{}{})
			flusher.Flush()
		case env, open := <-sub.C():
			if !open {
				return
			}
			if env.Lagged > 0 {
				logger.Warn("sse subscriber lagged", "context_id", contextID, "missed", env.Lagged)
			}
			writeEvent(w, env.Event)
			flusher.Flush()
		}
	}
}

// writeEvent 把事件按 SSE 帧写出
func writeEvent(w http.ResponseWriter, event *model.ContextEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}

// writeSSE 写一个协议层事件（connected / heartbeat）
func writeSSE(w http.ResponseWriter, typ model.EventType, payload map[string]interface{}) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, data)
}
