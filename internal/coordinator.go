package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	apperr "github.com/koopa0/system-design/trivia-lobby/pkg/errors"
	"github.com/koopa0/system-design/trivia-lobby/pkg/logger"
)

// Coordinator 大廳協調器：把客戶端訊息分派到大廳狀態機
//
// 組成：
//   - Registry：connectionID → Conn
//   - Directory：lobbyCode → Lobby（每個大廳一把鎖）
//   - RateLimiter：(lobbyCode, userID) 的分數更新限流
//   - Fanout：大廳內廣播
//
// 所有狀態變更與廣播都在 Directory.With 取得的大廳鎖內完成，
// 同一大廳的觀察者看到的訊息順序與狀態變更順序一致。
type Coordinator struct {
	cfg    *Config
	logger *slog.Logger
	now    Clock

	registry  *Registry
	directory *Directory
	limiter   *RateLimiter
	fanout    *Fanout

	sink     ScoreSink
	rankings RankingReader
	events   EventPublisher
	qr       QREncoder
	dirOpts  []DirectoryOption
}

// CoordinatorOption 協調器選項
type CoordinatorOption func(*Coordinator)

// WithClock 替換時鐘（測試用）
func WithClock(now Clock) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithRankingSink 分數變化鏡像到外部排名儲存
func WithRankingSink(sink ScoreSink) CoordinatorOption {
	return func(c *Coordinator) { c.sink = sink }
}

// WithRankingReader 提供外部累計器的查詢（HTTP 視窗排名）
func WithRankingReader(r RankingReader) CoordinatorOption {
	return func(c *Coordinator) { c.rankings = r }
}

// WithEventPublisher 發布大廳生命週期事件
func WithEventPublisher(p EventPublisher) CoordinatorOption {
	return func(c *Coordinator) { c.events = p }
}

// WithQREncoder 替換 QR code 編碼器，nil 代表不產生圖片
func WithQREncoder(enc QREncoder) CoordinatorOption {
	return func(c *Coordinator) { c.qr = enc }
}

// WithDirectoryOptions 傳給 NewDirectory 的額外選項
func WithDirectoryOptions(opts ...DirectoryOption) CoordinatorOption {
	return func(c *Coordinator) { c.dirOpts = append(c.dirOpts, opts...) }
}

// NewCoordinator 建立協調器
func NewCoordinator(cfg *Config, log *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		logger: log,
		now:    time.Now,
		events: NopPublisher{},
		qr:     NewPNGEncoder(cfg.Game.QRSize),
	}
	for _, opt := range opts {
		opt(c)
	}

	dirOpts := []DirectoryOption{WithDirectoryClock(c.now)}
	if c.sink != nil {
		dirOpts = append(dirOpts, WithScoreSink(c.sink))
	}
	dirOpts = append(dirOpts, c.dirOpts...)

	c.registry = NewRegistry(log)
	c.directory = NewDirectory(log, dirOpts...)
	c.limiter = NewRateLimiter(cfg.Game.RateLimit, cfg.Game.RateWindow, c.now)
	c.fanout = NewFanout(c.registry, log)

	c.directory.OnDestroy(c.lobbyDestroyed)

	return c
}

// Registry 連線註冊表
func (c *Coordinator) Registry() *Registry { return c.registry }

// Directory 大廳目錄
func (c *Coordinator) Directory() *Directory { return c.directory }

// Limiter 分數更新限流器
func (c *Coordinator) Limiter() *RateLimiter { return c.limiter }

// Connect 註冊新連線；連線關閉時自動走斷線流程
func (c *Coordinator) Connect(conn *Conn) {
	c.registry.Register(conn)
	conn.OnClose(func() {
		c.Disconnect(conn)
	})

	c.logger.Debug("connection registered", "conn_id", conn.ID)
}

// Disconnect 連線中斷：從所屬大廳分離
//
// 客戶端主動斷線、傳輸錯誤、心跳逾時都經由 Conn.Close 走到這裡。
func (c *Coordinator) Disconnect(conn *Conn) {
	code := conn.SetLobbyCode("")
	if code == "" {
		return
	}
	c.detachFrom(code, conn.ID)
}

// HandleMessage 處理一則客戶端訊息
//
// 錯誤只回給發送者；處理中的 panic 轉成 INTERNAL_ERROR，不影響其他連線。
func (c *Coordinator) HandleMessage(conn *Conn, data []byte) {
	conn.MarkAlive()

	ctx := logger.WithConnID(context.Background(), conn.ID)
	if code := conn.LobbyCode(); code != "" {
		ctx = logger.WithLobbyCode(ctx, code)
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "panic while handling message",
				"panic", r,
				"stack", string(debug.Stack()))
			c.replyError(conn, apperr.ErrInternal)
		}
	}()

	msg, err := DecodeInbound(data)
	if err != nil {
		c.logger.DebugContext(ctx, "rejected malformed message", "error", err)
		c.replyError(conn, err)
		return
	}

	switch msg.Type {
	case TypeCreateLobby:
		err = c.handleCreateLobby(ctx, conn, msg)
	case TypeJoinLobby:
		err = c.handleJoin(ctx, conn, msg, JoinPreGame)
	case TypeJoinGame:
		err = c.handleJoin(ctx, conn, msg, JoinInGame)
	case TypeStartGame:
		err = c.handleStartGame(ctx, conn, msg)
	case TypeUpdatePoints:
		if err = c.handleUpdatePoints(ctx, msg); err != nil {
			c.logger.InfoContext(ctx, "score update rejected",
				"user_id", msg.UserID,
				"code", apperr.CodeOf(err))
			c.replyScoreError(conn, err, msg.UserID)
			return
		}
	case TypeEndGame:
		err = c.handleEndGame(ctx, conn, msg)
	case TypeLeaveLobby:
		c.Disconnect(conn)
	case TypePing:
		c.reply(conn, Pong{Type: TypePong})
	default:
		err = apperr.ErrInvalidMessage.WithDetails(fmt.Sprintf("unknown message type %q", msg.Type))
	}

	if err != nil {
		c.logger.InfoContext(ctx, "request rejected",
			"type", msg.Type,
			"code", apperr.CodeOf(err),
			"error", err)
		c.replyError(conn, err)
	}
}

func (c *Coordinator) handleCreateLobby(ctx context.Context, conn *Conn, msg *Inbound) error {
	username, err := NormalizeUsername(msg.Username)
	if err != nil {
		return err
	}

	// 一條連線同時只屬於一個大廳
	c.Disconnect(conn)

	_, _, err = c.directory.Create(username, msg.Avatar, conn.ID, func(l *Lobby, p *Player) {
		if !c.attachLocked(l, conn) {
			return
		}

		joinURL := c.cfg.JoinURL(l.Code)
		c.reply(conn, LobbyCreated{
			Type:      TypeLobbyCreated,
			LobbyCode: l.Code,
			QRCode:    c.qrDataURL(ctx, joinURL),
			JoinURL:   joinURL,
			IsAdmin:   true,
			UserID:    p.UserID,
		})
		c.fanout.PublishLocked(l, newLobbyUpdate(l))
		c.publishEvent(l, EventLobbyCreated, map[string]any{"admin": p.Username})
	})
	return err
}

func (c *Coordinator) handleJoin(ctx context.Context, conn *Conn, msg *Inbound, mode JoinMode) error {
	if err := msg.RequireLobbyCode(); err != nil {
		return err
	}
	username, err := NormalizeUsername(msg.Username)
	if err != nil {
		return err
	}

	if current := conn.LobbyCode(); current != "" && current != msg.LobbyCode {
		c.Disconnect(conn)
	}

	_, _, err = c.directory.Join(msg.LobbyCode, username, msg.Avatar, conn.ID, mode, func(l *Lobby, p *Player, isAdmin bool) {
		if !c.attachLocked(l, conn) {
			return
		}

		if mode == JoinInGame {
			c.reply(conn, JoinedGame{
				Type:      TypeJoinedGame,
				UserID:    p.UserID,
				LobbyCode: l.Code,
			})
			c.publishLeaderboardLocked(l, c.now())
			return
		}

		c.reply(conn, JoinedLobby{
			Type:      TypeJoinedLobby,
			LobbyCode: l.Code,
			IsAdmin:   isAdmin,
			UserID:    p.UserID,
		})
		c.fanout.PublishLocked(l, newLobbyUpdate(l))
	})
	if err != nil {
		c.logger.DebugContext(ctx, "join failed", "lobby_code", msg.LobbyCode, "error", err)
	}
	return err
}

// handleStartGame 非管理員的請求直接忽略，不回錯誤
func (c *Coordinator) handleStartGame(ctx context.Context, conn *Conn, msg *Inbound) error {
	if err := msg.RequireLobbyCode(); err != nil {
		return err
	}

	return c.directory.With(msg.LobbyCode, func(l *Lobby) error {
		p := l.PlayerByConn(conn.ID)
		if p == nil || !l.Start(p.UserID) {
			c.logger.DebugContext(ctx, "start_game ignored",
				"lobby_code", l.Code,
				"state", l.State())
			return nil
		}

		c.armGameTimer(l)

		players := l.Players()
		started := GameStarted{
			Type:       TypeGameStarted,
			LobbyCode:  l.Code,
			Players:    make([]GamePlayer, 0, len(players)),
			DurationMs: c.cfg.Game.Duration.Milliseconds(),
		}
		for _, pl := range players {
			started.Players = append(started.Players, GamePlayer{
				Username: pl.Username,
				Avatar:   pl.Avatar,
				Points:   pl.Points,
			})
		}
		c.fanout.PublishLocked(l, started)
		c.publishEvent(l, EventGameStarted, map[string]any{"players": len(players)})

		c.logger.InfoContext(ctx, "game started",
			"lobby_code", l.Code,
			"players", len(players))
		return nil
	})
}

// armGameTimer 計時器觸發時以代碼重新查詢，並比對大廳實例 ID；
// 大廳已結束或代碼已被新大廳使用時什麼都不做。
func (c *Coordinator) armGameTimer(l *Lobby) {
	code, id := l.Code, l.ID
	l.ArmTimer(c.cfg.Game.Duration, func() {
		err := c.directory.With(code, func(l *Lobby) error {
			if l.ID != id || !l.InProgress() {
				return nil
			}
			c.endLocked(l, "timer_expired")
			return nil
		})
		if err != nil && !errors.Is(err, apperr.ErrLobbyNotFound) {
			c.logger.Error("game timer failed", "lobby_code", code, "error", err)
		}
	})
}

func (c *Coordinator) handleUpdatePoints(ctx context.Context, msg *Inbound) error {
	if err := msg.RequireLobbyCode(); err != nil {
		return err
	}
	if msg.UserID == "" {
		return apperr.ErrInvalidMessage.WithDetails("userId is required")
	}
	delta, err := msg.ParsePoints()
	if err != nil {
		return err
	}

	return c.directory.With(msg.LobbyCode, func(l *Lobby) error {
		if _, ok := l.Player(msg.UserID); !ok {
			return apperr.ErrPlayerNotFound
		}
		// 被拒絕的請求不計入視窗，也不改變任何狀態
		if !c.limiter.Admit(l.Code, msg.UserID) {
			return apperr.ErrRateLimited
		}

		now := c.now()
		p, err := l.ApplyPoints(msg.UserID, delta, now)
		if err != nil {
			return err
		}

		c.logger.DebugContext(ctx, "points applied",
			"lobby_code", l.Code,
			"user_id", p.UserID,
			"delta", delta,
			"total", p.Points)

		c.publishLeaderboardLocked(l, now)
		return nil
	})
}

// publishLeaderboardLocked 廣播排行榜並更新名次變化快取
func (c *Coordinator) publishLeaderboardLocked(l *Lobby, now time.Time) {
	players := l.Players()
	board := l.Board()
	snap := board.Snapshot(players)

	moved := 0
	for _, d := range snap.Deltas {
		if d.Change() != 0 {
			moved++
		}
	}
	c.logger.Debug("publishing leaderboard",
		"lobby_code", l.Code,
		"players", len(snap.Standings),
		"rank_changes", moved)

	c.fanout.PublishLocked(l, LeaderboardUpdate{
		Type:        TypeLeaderboardUpdate,
		LobbyCode:   l.Code,
		Leaderboard: snap.Standings,
		Deltas:      snap.Deltas,
		Hourly:      board.Windowed(WindowHourly, players, now),
		Daily:       board.Windowed(WindowDaily, players, now),
	})
}

func (c *Coordinator) handleEndGame(ctx context.Context, conn *Conn, msg *Inbound) error {
	if err := msg.RequireLobbyCode(); err != nil {
		return err
	}

	return c.directory.With(msg.LobbyCode, func(l *Lobby) error {
		p := l.PlayerByConn(conn.ID)
		if p == nil {
			return apperr.ErrPlayerNotFound
		}
		if !l.IsAdmin(p.UserID) {
			return apperr.ErrNotAdmin
		}

		c.logger.InfoContext(ctx, "game ended by admin", "lobby_code", l.Code)
		c.endLocked(l, "admin_ended")
		return nil
	})
}

// endLocked 結算：停止計時器、廣播最終排名與勝利者、從目錄移除
func (c *Coordinator) endLocked(l *Lobby, reason string) {
	winner := l.End()

	ended := GameEnded{
		Type:        TypeGameEnded,
		LobbyCode:   l.Code,
		Leaderboard: l.Board().Standings(l.Players()),
		Reason:      reason,
	}
	data := map[string]any{"reason": reason}
	if winner != nil {
		ended.Winner = &Winner{
			Username: winner.Username,
			Avatar:   winner.Avatar,
			Points:   winner.Points,
		}
		data["winner"] = winner.Username
		data["points"] = winner.Points
	}

	c.fanout.PublishLocked(l, ended)
	c.publishEvent(l, EventGameEnded, data)
	c.directory.DestroyLocked(l, reason)
}

// attachLocked 記錄連線所屬的大廳（持有大廳鎖）
//
// 連線可能在訊息處理途中被關閉（寫入失敗、心跳逾時），此時關閉回呼看到的
// lobbyCode 還是空的，不會走斷線流程；這裡改為就地分離並回傳 false。
func (c *Coordinator) attachLocked(l *Lobby, conn *Conn) bool {
	conn.SetLobbyCode(l.Code)
	if conn.IsOpen() {
		return true
	}

	conn.ClearLobbyCode(l.Code)
	c.logger.Info("connection closed while attaching", "lobby_code", l.Code, "conn_id", conn.ID)
	c.detachLocked(l, conn.ID)
	return false
}

// detachFrom 玩家離開大廳
func (c *Coordinator) detachFrom(code, connID string) {
	err := c.directory.With(code, func(l *Lobby) error {
		c.detachLocked(l, connID)
		return nil
	})
	if err != nil && !errors.Is(err, apperr.ErrLobbyNotFound) {
		c.logger.Error("detach failed", "lobby_code", code, "error", err)
	}
}

// detachLocked 分離連線（持有大廳鎖）
//
// forming 狀態下最後一位連線中的玩家離開 → 立即移除大廳；
// 遊戲進行中則保留，讓玩家可以重新連線，最終交給回收器或 end 處理。
func (c *Coordinator) detachLocked(l *Lobby, connID string) {
	p, noneConnected := l.Detach(connID)
	if p == nil {
		return
	}

	c.logger.Info("player disconnected",
		"lobby_code", l.Code,
		"user_id", p.UserID,
		"remaining", len(l.ConnectedPlayers()))

	if noneConnected && l.State() == StateForming {
		c.directory.DestroyLocked(l, "empty")
		return
	}

	c.fanout.PublishLocked(l, newLobbyUpdate(l))
}

// lobbyDestroyed 目錄移除大廳時的清理（持有大廳鎖）
func (c *Coordinator) lobbyDestroyed(l *Lobby, reason string) {
	c.limiter.Forget(l.Code)

	for _, p := range l.Players() {
		if !p.Connected() {
			continue
		}
		if conn, ok := c.registry.Get(p.ConnectionID); ok {
			conn.ClearLobbyCode(l.Code)
		}
	}

	c.publishEvent(l, EventLobbyDestroyed, map[string]any{
		"reason":  reason,
		"players": len(l.Players()),
	})
}

func (c *Coordinator) publishEvent(l *Lobby, eventType string, data map[string]any) {
	event := &LobbyEvent{
		LobbyID:   l.ID,
		LobbyCode: l.Code,
		Type:      eventType,
		Data:      data,
		Timestamp: c.now(),
	}
	if err := c.events.Publish(context.Background(), event); err != nil {
		c.logger.Warn("failed to publish lobby event",
			"lobby_code", l.Code,
			"event", eventType,
			"error", err)
	}
}

func (c *Coordinator) qrDataURL(ctx context.Context, url string) string {
	if c.qr == nil {
		return ""
	}
	png, err := c.qr.Encode(url)
	if err != nil {
		c.logger.WarnContext(ctx, "qr code generation failed, omitting image", "error", err)
		return ""
	}
	return PNGDataURL(png)
}

func (c *Coordinator) reply(conn *Conn, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal reply", "conn_id", conn.ID, "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		c.logger.Warn("reply dropped", "conn_id", conn.ID, "error", err)
	}
}

// replyError 只回給觸發的連線
func (c *Coordinator) replyError(conn *Conn, err error) {
	c.reply(conn, ErrorReply{
		Type:    TypeError,
		Code:    apperr.CodeOf(err),
		Message: apperr.MessageOf(err),
	})
}

// replyScoreError 分數更新失敗一律附上 userId（原樣回傳）與時間戳
func (c *Coordinator) replyScoreError(conn *Conn, err error, userID string) {
	c.reply(conn, ErrorReply{
		Type:      TypeError,
		Code:      apperr.CodeOf(err),
		Message:   apperr.MessageOf(err),
		UserID:    userID,
		Timestamp: c.now().UnixMilli(),
	})
}

// LeaderboardView 排行榜查詢結果（HTTP 用，不影響名次變化快取）
type LeaderboardView struct {
	LobbyCode   string     `json:"lobbyCode"`
	State       LobbyState `json:"state"`
	Leaderboard []Standing `json:"leaderboard"`
	Hourly      []Standing `json:"hourly"`
	Daily       []Standing `json:"daily"`
}

// Lobby 查詢大廳快照
func (c *Coordinator) Lobby(code string) (LobbyView, error) {
	var view LobbyView
	err := c.directory.With(code, func(l *Lobby) error {
		view = l.View()
		return nil
	})
	return view, err
}

// Leaderboard 查詢排行榜
func (c *Coordinator) Leaderboard(code string) (LeaderboardView, error) {
	var view LeaderboardView
	err := c.directory.With(code, func(l *Lobby) error {
		now := c.now()
		players := l.Players()
		board := l.Board()
		view = LeaderboardView{
			LobbyCode:   l.Code,
			State:       l.State(),
			Leaderboard: board.Standings(players),
			Hourly:      board.Windowed(WindowHourly, players, now),
			Daily:       board.Windowed(WindowDaily, players, now),
		}
		return nil
	})
	return view, err
}

// MirroredRankings 外部累計器中目前時間桶的前 n 名
//
// 資料在大廳移除後仍保留到 key 過期，因此不要求大廳存在；
// 大廳還在時補上玩家名稱。
func (c *Coordinator) MirroredRankings(ctx context.Context, code string, kind WindowKind, n int64) ([]RankingEntry, error) {
	if c.rankings == nil {
		return nil, apperr.ErrRankingsDisabled
	}

	entries, err := c.rankings.Top(ctx, code, kind, BucketID(kind, c.now()), n)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeUnavailable, "ranking store unavailable")
	}

	err = c.directory.With(code, func(l *Lobby) error {
		for i := range entries {
			if p, ok := l.Player(entries[i].UserID); ok {
				entries[i].Username = p.Username
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, apperr.ErrLobbyNotFound) {
		return nil, err
	}
	return entries, nil
}

// QRCode 產生大廳加入連結的 QR code（PNG）
func (c *Coordinator) QRCode(code string) ([]byte, error) {
	if _, ok := c.directory.Get(code); !ok {
		return nil, apperr.ErrLobbyNotFound
	}
	if c.qr == nil {
		return nil, apperr.ErrInternal.WithDetails("qr encoding disabled")
	}
	png, err := c.qr.Encode(c.cfg.JoinURL(code))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "qr encoding failed")
	}
	return png, nil
}

// Stats 服務統計
func (c *Coordinator) Stats() map[string]any {
	stats := c.directory.Stats()
	stats["connections"] = c.registry.Count()
	stats["rate_limited_keys"] = c.limiter.Tracked()
	if w, ok := c.sink.(*RankingWriter); ok {
		stats["ranking_dropped"] = w.Dropped()
		stats["ranking_failed"] = w.Failed()
	}
	return stats
}

// Stop 移除所有大廳、關閉所有連線並關閉事件發布
func (c *Coordinator) Stop() {
	c.directory.Stop()
	c.registry.CloseAll()
	c.events.Close()
}
