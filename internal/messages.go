package internal

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"

	apperr "github.com/koopa0/system-design/trivia-lobby/pkg/errors"
)

// 客戶端 → 伺服器
const (
	TypeCreateLobby  = "create_lobby"
	TypeJoinLobby    = "join_lobby"
	TypeJoinGame     = "join_game"
	TypeStartGame    = "start_game"
	TypeUpdatePoints = "update_points"
	TypeEndGame      = "end_game"
	TypeLeaveLobby   = "leave_lobby"
	TypePing         = "ping"
)

// 伺服器 → 客戶端
const (
	TypeLobbyCreated      = "lobby_created"
	TypeJoinedLobby       = "joined_lobby"
	TypeLobbyUpdate       = "lobby_update"
	TypeJoinedGame        = "joined_game"
	TypeGameStarted       = "game_started"
	TypeLeaderboardUpdate = "leaderboard_update"
	TypeGameEnded         = "game_ended"
	TypeError             = "error"
	TypePong              = "pong"
)

var lobbyCodePattern = regexp.MustCompile(`^[0-9]{5}$`)

// Inbound 客戶端訊息信封，type 決定哪些欄位必填
type Inbound struct {
	Type      string          `json:"type"`
	LobbyCode string          `json:"lobbyCode"`
	Username  string          `json:"username"`
	Avatar    string          `json:"avatar"`
	UserID    string          `json:"userId"`
	Points    json.RawMessage `json:"points"`
}

// DecodeInbound 解析訊息；格式錯誤或欄位型別不符都是驗證錯誤
func DecodeInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeValidation, "malformed message")
	}
	if msg.Type == "" {
		return nil, apperr.ErrInvalidMessage.WithDetails("type is required")
	}
	return &msg, nil
}

// RequireLobbyCode 檢查代碼格式
func (m *Inbound) RequireLobbyCode() error {
	if m.LobbyCode == "" {
		return apperr.ErrInvalidMessage.WithDetails("lobbyCode is required")
	}
	if !lobbyCodePattern.MatchString(m.LobbyCode) {
		return apperr.ErrInvalidMessage.WithDetails("lobbyCode must be 5 digits")
	}
	return nil
}

// ParsePoints 分數差值必須是整數；負數是合法的更正
func (m *Inbound) ParsePoints() (int64, error) {
	if len(m.Points) == 0 || bytes.Equal(m.Points, []byte("null")) {
		return 0, apperr.ErrInvalidMessage.WithDetails("points is required")
	}

	dec := json.NewDecoder(bytes.NewReader(m.Points))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, apperr.ErrInvalidMessage.WithDetails("points must be a number")
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, apperr.ErrInvalidMessage.WithDetails("points must be a number")
	}

	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64/2 {
		return 0, apperr.ErrInvalidMessage.WithDetails("points must be an integer")
	}
	return int64(f), nil
}

// LobbyCreated 建立大廳的回覆
type LobbyCreated struct {
	Type      string `json:"type"`
	LobbyCode string `json:"lobbyCode"`
	QRCode    string `json:"qrCode,omitempty"`
	JoinURL   string `json:"joinUrl"`
	IsAdmin   bool   `json:"isAdmin"`
	UserID    string `json:"userId"`
}

// JoinedLobby 加入大廳的回覆
type JoinedLobby struct {
	Type      string `json:"type"`
	LobbyCode string `json:"lobbyCode"`
	IsAdmin   bool   `json:"isAdmin"`
	UserID    string `json:"userId"`
}

// LobbyPlayer 大廳名單中的玩家
type LobbyPlayer struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Ready    bool   `json:"ready"`
}

// LobbyUpdate 大廳名單廣播
type LobbyUpdate struct {
	Type          string        `json:"type"`
	LobbyCode     string        `json:"lobbyCode"`
	Players       []LobbyPlayer `json:"players"`
	AdminUsername string        `json:"adminUsername"`
}

// JoinedGame 遊戲中附加的回覆
type JoinedGame struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	LobbyCode string `json:"lobbyCode"`
}

// GamePlayer 遊戲開始時的玩家
type GamePlayer struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Points   int64  `json:"points"`
}

// GameStarted 遊戲開始廣播
type GameStarted struct {
	Type       string       `json:"type"`
	LobbyCode  string       `json:"lobbyCode"`
	Players    []GamePlayer `json:"players"`
	DurationMs int64        `json:"durationMs"`
}

// LeaderboardUpdate 排行榜廣播
type LeaderboardUpdate struct {
	Type        string      `json:"type"`
	LobbyCode   string      `json:"lobbyCode"`
	Leaderboard []Standing  `json:"leaderboard"`
	Deltas      []RankDelta `json:"deltas"`
	Hourly      []Standing  `json:"hourly"`
	Daily       []Standing  `json:"daily"`
}

// Winner 勝利者
type Winner struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Points   int64  `json:"points"`
}

// GameEnded 結算廣播
type GameEnded struct {
	Type        string     `json:"type"`
	LobbyCode   string     `json:"lobbyCode"`
	Winner      *Winner    `json:"winner"`
	Leaderboard []Standing `json:"leaderboard"`
	Reason      string     `json:"reason"`
}

// ErrorReply 只回給觸發的連線
type ErrorReply struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	UserID    string `json:"userId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Pong 應用層心跳回覆
type Pong struct {
	Type string `json:"type"`
}

func newLobbyUpdate(l *Lobby) LobbyUpdate {
	msg := LobbyUpdate{
		Type:      TypeLobbyUpdate,
		LobbyCode: l.Code,
		Players:   make([]LobbyPlayer, 0, len(l.order)),
	}
	for _, p := range l.ConnectedPlayers() {
		msg.Players = append(msg.Players, LobbyPlayer{
			Username: p.Username,
			Avatar:   p.Avatar,
			Ready:    p.Ready,
		})
	}
	if admin := l.Admin(); admin != nil {
		msg.AdminUsername = admin.Username
	}
	return msg
}
