package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	apperr "github.com/koopa0/system-design/trivia-lobby/pkg/errors"
)

// Handler HTTP 請求處理器
//
// 大廳的所有變更都走 WebSocket；HTTP 只提供查詢與 QR code 圖片。
type Handler struct {
	coordinator *Coordinator
	hub         *WebSocketHub
	logger      *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(coordinator *Coordinator, hub *WebSocketHub, logger *slog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		hub:         hub,
		logger:      logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("GET /api/v1/lobbies/{code}", wrap(h.getLobby))
	mux.HandleFunc("GET /api/v1/lobbies/{code}/leaderboard", wrap(h.getLeaderboard))
	mux.HandleFunc("GET /api/v1/lobbies/{code}/qr", wrap(h.getQRCode))
	mux.HandleFunc("GET /api/v1/lobbies/{code}/rankings/{window}", wrap(h.getRankings))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	// WebSocket 升級需要原始的 ResponseWriter（Hijacker），不套日誌包裝
	if h.hub != nil {
		mux.HandleFunc("GET /ws", h.recoverer(h.hub.ServeWS))
	}

	return mux
}

// getLobby 大廳快照
func (h *Handler) getLobby(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !lobbyCodePattern.MatchString(code) {
		h.errorResponse(w, apperr.ErrInvalidMessage.WithDetails("lobbyCode must be 5 digits"))
		return
	}

	view, err := h.coordinator.Lobby(code)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, view, http.StatusOK)
}

// getLeaderboard 目前排名與每小時、每日排名
func (h *Handler) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !lobbyCodePattern.MatchString(code) {
		h.errorResponse(w, apperr.ErrInvalidMessage.WithDetails("lobbyCode must be 5 digits"))
		return
	}

	view, err := h.coordinator.Leaderboard(code)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, view, http.StatusOK)
}

// getRankings Redis 累計器中目前小時或今日的排名
//
// GET /api/v1/lobbies/{code}/rankings/{window}?limit=10
func (h *Handler) getRankings(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !lobbyCodePattern.MatchString(code) {
		h.errorResponse(w, apperr.ErrInvalidMessage.WithDetails("lobbyCode must be 5 digits"))
		return
	}

	kind := WindowKind(r.PathValue("window"))
	if !slices.Contains(WindowKinds, kind) {
		h.errorResponse(w, apperr.ErrInvalidMessage.WithDetails("window must be hourly or daily"))
		return
	}

	limit := int64(10)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 || n > 100 {
			h.errorResponse(w, apperr.ErrInvalidMessage.WithDetails("limit must be between 1 and 100"))
			return
		}
		limit = n
	}

	entries, err := h.coordinator.MirroredRankings(r.Context(), code, kind, limit)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"lobbyCode": code,
		"window":    kind,
		"rankings":  entries,
	}, http.StatusOK)
}

// getQRCode 加入連結的 QR code 圖片
func (h *Handler) getQRCode(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !lobbyCodePattern.MatchString(code) {
		h.errorResponse(w, apperr.ErrInvalidMessage.WithDetails("lobbyCode must be 5 digits"))
		return
	}

	png, err := h.coordinator.QRCode(code)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		h.logger.Warn("write qr code failed", "lobby_code", code, "error", err)
	}
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.coordinator.Stats(), http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// errorResponse 依錯誤碼決定 HTTP 狀態
func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	h.jsonResponse(w, map[string]any{
		"code":  apperr.CodeOf(err),
		"error": apperr.MessageOf(err),
	}, statusFor(err))
}

func statusFor(err error) int {
	switch {
	case apperr.IsValidation(err):
		return http.StatusBadRequest
	case apperr.IsNotFound(err):
		return http.StatusNotFound
	case apperr.IsConflict(err):
		return http.StatusConflict
	case apperr.IsRateLimited(err):
		return http.StatusTooManyRequests
	}

	switch apperr.CodeOf(err) {
	case apperr.ErrCodeForbidden:
		return http.StatusForbidden
	case apperr.ErrCodeCapacity, apperr.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic while serving request",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, apperr.ErrInternal)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
