package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"agenthost/internal/shared/eventbus"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 事件流是只读广播，跨域订阅放行
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriteTimeout 单帧写超时
const wsWriteTimeout = 10 * time.Second

// StreamContextWS WebSocket 事件流镜像
//
// 路由: GET /api/v1/contexts/{context_id}/ws
//
// 与 SSE 流承载同一事件序列；SSE 是主传输，WebSocket 供终端类
// 客户端使用。客户端发来的帧被丢弃，只用于探测断连。
func (h *Handler) StreamContextWS(w http.ResponseWriter, r *http.Request) {
	contextID := r.PathValue("context_id")

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed", "context_id", contextID)
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe(eventbus.ContextFilter(contextID))
	defer sub.Close()

	// 读泵只负责发现断连
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.cfg.YAML.Stream.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case env, open := <-sub.C():
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(env.Event); err != nil {
				return
			}
		}
	}
}
