package internal

import (
	"slices"
	"time"
)

// WindowKind 時間視窗類型
type WindowKind string

const (
	WindowHourly WindowKind = "hourly"
	WindowDaily  WindowKind = "daily"
)

// WindowKinds 所有累計視窗，順序固定
var WindowKinds = []WindowKind{WindowHourly, WindowDaily}

// Width 視窗寬度
func (k WindowKind) Width() time.Duration {
	switch k {
	case WindowDaily:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// BucketID 將牆鐘時間切成固定寬度的桶
func BucketID(kind WindowKind, t time.Time) int64 {
	return t.Unix() / int64(kind.Width()/time.Second)
}

// Standing 排行榜中的一列
type Standing struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Points   int64  `json:"points"`
	Rank     int    `json:"rank"`
}

// RankDelta 與上一次發布的名次比較
//
// PreviousRank 為 nil 代表該玩家第一次出現在發布的排行榜上。
type RankDelta struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	Avatar       string `json:"avatar"`
	CurrentRank  int    `json:"currentRank"`
	PreviousRank *int   `json:"previousRank"`
	Points       int64  `json:"points"`
}

// Change 名次變化，正數代表上升
func (d RankDelta) Change() int {
	if d.PreviousRank == nil {
		return 0
	}
	return *d.PreviousRank - d.CurrentRank
}

// Snapshot 一次發布的完整排行
type Snapshot struct {
	Standings []Standing
	Deltas    []RankDelta
}

// ScoreSink 接收要鏡像到外部排名儲存的分數變化，實作不得阻塞
type ScoreSink interface {
	Enqueue(rec ScoreRecord)
}

type windowTotals struct {
	bucket int64
	points map[string]int64 // userID -> points
}

// Leaderboard 單一大廳的分數聚合與排名
//
// 不自帶鎖：它屬於 Lobby，所有呼叫都在大廳的互斥鎖內進行。
// 記憶體中的累計值是權威資料；sink 只是盡力而為的外部累計器。
type Leaderboard struct {
	lobbyCode string
	previous  map[string]int // userID -> 上次發布的名次
	windows   map[WindowKind]*windowTotals
	sink      ScoreSink
}

// NewLeaderboard 建立排行榜，sink 可為 nil
func NewLeaderboard(lobbyCode string, sink ScoreSink) *Leaderboard {
	return &Leaderboard{
		lobbyCode: lobbyCode,
		previous:  make(map[string]int),
		windows:   make(map[WindowKind]*windowTotals),
		sink:      sink,
	}
}

// Apply 累加分數到玩家總分與目前的每小時、每日桶
//
// 負數視為更正，照樣累加。
func (lb *Leaderboard) Apply(p *Player, delta int64, now time.Time) {
	p.Points += delta

	for _, kind := range WindowKinds {
		bucket := BucketID(kind, now)
		w, ok := lb.windows[kind]
		if !ok || w.bucket != bucket {
			// 進入新桶，舊桶不再需要
			w = &windowTotals{bucket: bucket, points: make(map[string]int64)}
			lb.windows[kind] = w
		}
		w.points[p.UserID] += delta

		if lb.sink != nil {
			lb.sink.Enqueue(ScoreRecord{
				LobbyCode: lb.lobbyCode,
				UserID:    p.UserID,
				Window:    kind,
				Bucket:    bucket,
				Delta:     delta,
				At:        now,
			})
		}
	}
}

// Snapshot 產生完整排名與名次變化，並把這次結果快取為下一次的「上一次」
func (lb *Leaderboard) Snapshot(players []*Player) Snapshot {
	standings := lb.Standings(players)

	deltas := make([]RankDelta, len(standings))
	current := make(map[string]int, len(standings))
	for i, s := range standings {
		d := RankDelta{
			UserID:      s.UserID,
			Username:    s.Username,
			Avatar:      s.Avatar,
			CurrentRank: s.Rank,
			Points:      s.Points,
		}
		if prev, ok := lb.previous[s.UserID]; ok {
			d.PreviousRank = &prev
		}
		deltas[i] = d
		current[s.UserID] = s.Rank
	}
	lb.previous = current

	return Snapshot{Standings: standings, Deltas: deltas}
}

// Standings 目前排名（不影響名次變化快取）
func (lb *Leaderboard) Standings(players []*Player) []Standing {
	ranked := RankPlayers(players)
	standings := make([]Standing, len(ranked))
	for i, p := range ranked {
		standings[i] = Standing{
			UserID:   p.UserID,
			Username: p.Username,
			Avatar:   p.Avatar,
			Points:   p.Points,
			Rank:     i + 1,
		}
	}
	return standings
}

// Windowed 目前時間桶內的排名；桶已過期時回傳空列表
func (lb *Leaderboard) Windowed(kind WindowKind, players []*Player, now time.Time) []Standing {
	standings := make([]Standing, 0)

	w, ok := lb.windows[kind]
	if !ok || w.bucket != BucketID(kind, now) {
		return standings
	}

	type entry struct {
		player *Player
		points int64
	}
	entries := make([]entry, 0, len(w.points))
	for _, p := range players {
		if pts, ok := w.points[p.UserID]; ok {
			entries = append(entries, entry{player: p, points: pts})
		}
	}

	// players 已按加入順序排列，穩定排序即可保留同分時的加入順序
	slices.SortStableFunc(entries, func(a, b entry) int {
		switch {
		case a.points > b.points:
			return -1
		case a.points < b.points:
			return 1
		default:
			return 0
		}
	})

	for i, e := range entries {
		standings = append(standings, Standing{
			UserID:   e.player.UserID,
			Username: e.player.Username,
			Avatar:   e.player.Avatar,
			Points:   e.points,
			Rank:     i + 1,
		})
	}
	return standings
}

// RankPlayers 依分數遞減排序，同分時先加入者在前
//
// players 必須已按加入順序排列。
func RankPlayers(players []*Player) []*Player {
	ranked := slices.Clone(players)
	slices.SortStableFunc(ranked, func(a, b *Player) int {
		switch {
		case a.Points > b.Points:
			return -1
		case a.Points < b.Points:
			return 1
		default:
			return 0
		}
	})
	return ranked
}
