package internal

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperr "github.com/koopa0/system-design/trivia-lobby/pkg/errors"
)

// 系統設計問題：
//   一個大廳同時會收到加入、斷線、分數更新、開始、計時結束等事件，
//   如何讓這些事件的「讀 → 改 → 寫」不互相穿插？
//
// 設計方案：
//   ✅ 每個大廳一把互斥鎖，一次處理一個事件（由 Directory.With 取得）
//   ✅ 廣播在同一把鎖內組好並送進各連線的發送緩衝，順序與狀態變更一致
//   ✅ 大廳只記 connectionID，連線只記 lobbyCode，兩邊都靠查表互找

// LobbyState 大廳狀態
//
// 有限狀態機：
//
//	forming → in_progress → ended
//	   └──────────────────────↑ (管理員結束 / 計時到期)
type LobbyState string

const (
	StateForming    LobbyState = "forming"     // 等待玩家加入
	StateInProgress LobbyState = "in_progress" // 遊戲進行中
	StateEnded      LobbyState = "ended"       // 已結算，即將移除
)

// JoinMode 加入路徑
type JoinMode int

const (
	// JoinPreGame 賽前加入（join_lobby），遊戲開始後拒絕
	JoinPreGame JoinMode = iota
	// JoinInGame 遊戲中（重新）附加（join_game），任何狀態都允許
	JoinInGame
)

const maxUsernameLength = 32

// Player 玩家資訊
type Player struct {
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	Avatar       string    `json:"avatar"`
	ConnectionID string    `json:"-"`
	Points       int64     `json:"points"`
	Ready        bool      `json:"ready"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Connected 玩家目前是否有活著的連線
func (p *Player) Connected() bool {
	return p.ConnectionID != ""
}

// Lobby 遊戲大廳
//
// 除了 ID、Code、CreatedAt 之外的欄位都只能在持有 mu 時存取；
// 本檔的方法一律假設呼叫者已經持有鎖（見 Directory.With）。
type Lobby struct {
	ID        string // 每個大廳實例唯一，代碼可能被重複使用
	Code      string
	CreatedAt time.Time

	mu      sync.Mutex
	closed  bool
	state   LobbyState
	adminID string
	players map[string]*Player // userID -> Player
	order   []string           // 加入順序
	timer   *time.Timer
	board   *Leaderboard
}

// NewLobby 創建新大廳
func NewLobby(code string, now time.Time, sink ScoreSink) *Lobby {
	return &Lobby{
		ID:        uuid.NewString(),
		Code:      code,
		CreatedAt: now,
		state:     StateForming,
		players:   make(map[string]*Player),
		board:     NewLeaderboard(code, sink),
	}
}

// NormalizeUsername 去掉前後空白並檢查長度
func NormalizeUsername(username string) (string, error) {
	name := strings.TrimSpace(username)
	if name == "" {
		return "", apperr.ErrInvalidMessage.WithDetails("username is required")
	}
	if len([]rune(name)) > maxUsernameLength {
		return "", apperr.ErrInvalidMessage.WithDetails("username is too long")
	}
	return name, nil
}

// Join 加入或重新連線
//
// 同名玩家視為重新連線：沿用原本的 userID 與分數，只更新連線與頭像。
// 其他情況在加入順序末端新增玩家。
func (l *Lobby) Join(username, avatar, connID string, mode JoinMode, now time.Time) (*Player, bool, error) {
	if mode == JoinPreGame && l.state == StateInProgress {
		return nil, false, apperr.ErrGameInProgress
	}
	if l.state == StateEnded {
		return nil, false, apperr.ErrLobbyNotFound
	}

	// 同一條連線換名字加入：舊身分視為斷線
	if prev := l.PlayerByConn(connID); prev != nil && prev.Username != username {
		prev.ConnectionID = ""
	}

	if p := l.playerByUsername(username); p != nil {
		p.ConnectionID = connID
		if avatar != "" {
			p.Avatar = avatar
		}
		l.ensureAdmin()
		return p, true, nil
	}

	p := &Player{
		UserID:       uuid.NewString(),
		Username:     username,
		Avatar:       avatar,
		ConnectionID: connID,
		JoinedAt:     now,
	}
	l.players[p.UserID] = p
	l.order = append(l.order, p.UserID)

	if l.adminID == "" {
		l.adminID = p.UserID
	}
	l.ensureAdmin()

	return p, false, nil
}

// Detach 連線中斷：保留玩家紀錄，只清掉連線
//
// 回傳被中斷的玩家（可能為 nil）以及大廳是否已沒有任何連線中的玩家。
func (l *Lobby) Detach(connID string) (*Player, bool) {
	p := l.PlayerByConn(connID)
	if p != nil {
		p.ConnectionID = ""
		l.ensureAdmin()
	}
	return p, len(l.ConnectedPlayers()) == 0
}

// ensureAdmin 管理員斷線時交給加入順序中第一個仍連線的玩家
//
// 沒有任何連線中的玩家時保留原管理員，等重新連線時再決定。
func (l *Lobby) ensureAdmin() {
	if admin, ok := l.players[l.adminID]; ok && admin.Connected() {
		return
	}
	for _, id := range l.order {
		if l.players[id].Connected() {
			l.adminID = id
			return
		}
	}
}

// Start 開始遊戲（只有管理員可以，且只能從 forming 開始）
func (l *Lobby) Start(userID string) bool {
	if l.state != StateForming || userID == "" || userID != l.adminID {
		return false
	}
	l.state = StateInProgress
	return true
}

// ArmTimer 設定遊戲時長計時器
func (l *Lobby) ArmTimer(d time.Duration, fire func()) {
	l.stopTimer()
	l.timer = time.AfterFunc(d, fire)
}

func (l *Lobby) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// End 結束遊戲並回傳勝利者（分數最高，同分取先加入者）
func (l *Lobby) End() *Player {
	l.stopTimer()
	l.state = StateEnded

	ranked := RankPlayers(l.Players())
	if len(ranked) == 0 {
		return nil
	}
	return ranked[0]
}

// ApplyPoints 對指定玩家累加分數
func (l *Lobby) ApplyPoints(userID string, delta int64, now time.Time) (*Player, error) {
	p, ok := l.players[userID]
	if !ok {
		return nil, apperr.ErrPlayerNotFound
	}
	l.board.Apply(p, delta, now)
	return p, nil
}

// State 目前狀態
func (l *Lobby) State() LobbyState {
	return l.state
}

// InProgress 遊戲是否進行中
func (l *Lobby) InProgress() bool {
	return l.state == StateInProgress
}

// Closed 是否已從目錄移除
func (l *Lobby) Closed() bool {
	return l.closed
}

// Admin 目前管理員
func (l *Lobby) Admin() *Player {
	return l.players[l.adminID]
}

// IsAdmin 以 userID 判斷
func (l *Lobby) IsAdmin(userID string) bool {
	return userID != "" && userID == l.adminID
}

// Player 以 userID 查詢
func (l *Lobby) Player(userID string) (*Player, bool) {
	p, ok := l.players[userID]
	return p, ok
}

// PlayerByConn 以連線 ID 查詢
func (l *Lobby) PlayerByConn(connID string) *Player {
	if connID == "" {
		return nil
	}
	for _, id := range l.order {
		if p := l.players[id]; p.ConnectionID == connID {
			return p
		}
	}
	return nil
}

func (l *Lobby) playerByUsername(username string) *Player {
	for _, id := range l.order {
		if p := l.players[id]; p.Username == username {
			return p
		}
	}
	return nil
}

// Players 所有玩家，依加入順序
func (l *Lobby) Players() []*Player {
	players := make([]*Player, 0, len(l.order))
	for _, id := range l.order {
		players = append(players, l.players[id])
	}
	return players
}

// ConnectedPlayers 連線中的玩家，依加入順序
func (l *Lobby) ConnectedPlayers() []*Player {
	players := make([]*Player, 0, len(l.order))
	for _, id := range l.order {
		if p := l.players[id]; p.Connected() {
			players = append(players, p)
		}
	}
	return players
}

// Board 排行榜
func (l *Lobby) Board() *Leaderboard {
	return l.board
}

// LobbyView 大廳狀態（HTTP 查詢用）
type LobbyView struct {
	Code          string     `json:"lobbyCode"`
	State         LobbyState `json:"state"`
	AdminUsername string     `json:"adminUsername"`
	Players       []*Player  `json:"players"`
	Connected     int        `json:"connected"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// View 產生大廳快照，玩家資料是複本
func (l *Lobby) View() LobbyView {
	view := LobbyView{
		Code:      l.Code,
		State:     l.state,
		Connected: len(l.ConnectedPlayers()),
		CreatedAt: l.CreatedAt,
	}
	if admin := l.Admin(); admin != nil {
		view.AdminUsername = admin.Username
	}
	for _, p := range l.Players() {
		cp := *p
		view.Players = append(view.Players, &cp)
	}
	return view
}
