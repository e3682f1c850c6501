package internal_test

import (
	"strings"
	"testing"
	"time"

	"github.com/koopa0/system-design/trivia-lobby/internal"
	apperr "github.com/koopa0/system-design/trivia-lobby/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

// newTestLobby 建立大廳並依序加入 names（第 i 位使用連線 conn-i）
func newTestLobby(t *testing.T, names ...string) (*internal.Lobby, []*internal.Player) {
	t.Helper()

	l := internal.NewLobby("12345", epoch, nil)
	players := make([]*internal.Player, 0, len(names))
	for i, name := range names {
		p, reconnected, err := l.Join(name, "avatar-"+name, connName(i), internal.JoinPreGame, epoch.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.False(t, reconnected)
		players = append(players, p)
	}
	return l, players
}

func connName(i int) string {
	return "conn-" + string(rune('a'+i))
}

func usernames(players []*internal.Player) []string {
	names := make([]string, len(players))
	for i, p := range players {
		names[i] = p.Username
	}
	return names
}

// TestNewLobby 測試創建新大廳
func TestNewLobby(t *testing.T) {
	l := internal.NewLobby("48213", epoch, nil)

	require.NotNil(t, l)
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, "48213", l.Code)
	assert.Equal(t, epoch, l.CreatedAt)
	assert.Equal(t, internal.StateForming, l.State())
	assert.False(t, l.InProgress())
	assert.Nil(t, l.Admin())
	assert.Empty(t, l.Players())
	assert.NotNil(t, l.Board())

	other := internal.NewLobby("48213", epoch, nil)
	assert.NotEqual(t, l.ID, other.ID, "same code must still get a distinct instance id")
}

// TestNormalizeUsername 測試名稱正規化
func TestNormalizeUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain", input: "Alice", want: "Alice"},
		{name: "trimmed", input: "  Bob\t", want: "Bob"},
		{name: "unicode within limit", input: strings.Repeat("測", 32), want: strings.Repeat("測", 32)},
		{name: "empty", input: "", wantErr: true},
		{name: "only spaces", input: "   ", wantErr: true},
		{name: "too long", input: strings.Repeat("x", 33), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := internal.NormalizeUsername(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperr.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestLobby_Join 測試加入與重新連線
func TestLobby_Join(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T) *internal.Lobby
		username string
		connID   string
		mode     internal.JoinMode
		wantErr  error
		validate func(t *testing.T, l *internal.Lobby, p *internal.Player, reconnected bool)
	}{
		{
			name: "first player becomes admin",
			setup: func(t *testing.T) *internal.Lobby {
				return internal.NewLobby("12345", epoch, nil)
			},
			username: "Alice",
			connID:   "conn-a",
			mode:     internal.JoinPreGame,
			validate: func(t *testing.T, l *internal.Lobby, p *internal.Player, reconnected bool) {
				assert.False(t, reconnected)
				assert.NotEmpty(t, p.UserID)
				assert.True(t, l.IsAdmin(p.UserID))
				assert.True(t, p.Connected())
				assert.Equal(t, int64(0), p.Points)
			},
		},
		{
			name: "second player appended in join order",
			setup: func(t *testing.T) *internal.Lobby {
				l, _ := newTestLobby(t, "Alice")
				return l
			},
			username: "Bob",
			connID:   "conn-b",
			mode:     internal.JoinPreGame,
			validate: func(t *testing.T, l *internal.Lobby, p *internal.Player, reconnected bool) {
				assert.False(t, reconnected)
				assert.False(t, l.IsAdmin(p.UserID))
				assert.Equal(t, []string{"Alice", "Bob"}, usernames(l.Players()))
			},
		},
		{
			name: "same username reattaches and keeps points",
			setup: func(t *testing.T) *internal.Lobby {
				l, players := newTestLobby(t, "Alice", "Bob")
				_, err := l.ApplyPoints(players[1].UserID, 40, epoch)
				require.NoError(t, err)
				l.Detach("conn-b")
				return l
			},
			username: "Bob",
			connID:   "conn-z",
			mode:     internal.JoinPreGame,
			validate: func(t *testing.T, l *internal.Lobby, p *internal.Player, reconnected bool) {
				assert.True(t, reconnected)
				assert.Equal(t, int64(40), p.Points)
				assert.Equal(t, "conn-z", p.ConnectionID)
				assert.Len(t, l.Players(), 2)
			},
		},
		{
			name: "pre-game join rejected while in progress",
			setup: func(t *testing.T) *internal.Lobby {
				l, players := newTestLobby(t, "Alice")
				require.True(t, l.Start(players[0].UserID))
				return l
			},
			username: "Carol",
			connID:   "conn-c",
			mode:     internal.JoinPreGame,
			wantErr:  apperr.ErrGameInProgress,
		},
		{
			name: "in-game join allowed while in progress",
			setup: func(t *testing.T) *internal.Lobby {
				l, players := newTestLobby(t, "Alice")
				require.True(t, l.Start(players[0].UserID))
				return l
			},
			username: "Carol",
			connID:   "conn-c",
			mode:     internal.JoinInGame,
			validate: func(t *testing.T, l *internal.Lobby, p *internal.Player, reconnected bool) {
				assert.False(t, reconnected)
				assert.Equal(t, []string{"Alice", "Carol"}, usernames(l.Players()))
			},
		},
		{
			name: "ended lobby is not joinable",
			setup: func(t *testing.T) *internal.Lobby {
				l, _ := newTestLobby(t, "Alice")
				l.End()
				return l
			},
			username: "Bob",
			connID:   "conn-b",
			mode:     internal.JoinInGame,
			wantErr:  apperr.ErrLobbyNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := tt.setup(t)
			p, reconnected, err := l.Join(tt.username, "", tt.connID, tt.mode, epoch)

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.validate(t, l, p, reconnected)
		})
	}
}

// TestLobby_JoinSameConnDifferentName 同一條連線換名字加入，舊身分視為斷線
func TestLobby_JoinSameConnDifferentName(t *testing.T) {
	l, players := newTestLobby(t, "Alice", "Bob")

	_, _, err := l.Join("Bobby", "", "conn-b", internal.JoinPreGame, epoch)
	require.NoError(t, err)

	assert.False(t, players[1].Connected())
	assert.Equal(t, []string{"Alice", "Bobby"}, usernames(l.ConnectedPlayers()))
	assert.Equal(t, "Bobby", l.PlayerByConn("conn-b").Username)
}

// TestLobby_AdminReassignment 測試管理員轉移
func TestLobby_AdminReassignment(t *testing.T) {
	t.Run("admin disconnect passes to next connected in join order", func(t *testing.T) {
		l, players := newTestLobby(t, "Alice", "Bob", "Carol")

		p, none := l.Detach("conn-a")
		require.NotNil(t, p)
		assert.False(t, none)
		assert.Equal(t, players[1].UserID, l.Admin().UserID)
	})

	t.Run("skips players that are also disconnected", func(t *testing.T) {
		l, players := newTestLobby(t, "Alice", "Bob", "Carol")

		l.Detach("conn-b")
		l.Detach("conn-a")
		assert.Equal(t, players[2].UserID, l.Admin().UserID)
	})

	t.Run("non-admin disconnect keeps admin", func(t *testing.T) {
		l, players := newTestLobby(t, "Alice", "Bob")

		l.Detach("conn-b")
		assert.Equal(t, players[0].UserID, l.Admin().UserID)
	})

	t.Run("nobody connected keeps last admin", func(t *testing.T) {
		l, players := newTestLobby(t, "Alice", "Bob")

		l.Detach("conn-a")
		_, none := l.Detach("conn-b")
		assert.True(t, none)
		assert.Equal(t, players[1].UserID, l.Admin().UserID)
	})

	t.Run("unknown connection is a no-op", func(t *testing.T) {
		l, players := newTestLobby(t, "Alice")

		p, none := l.Detach("conn-unknown")
		assert.Nil(t, p)
		assert.False(t, none)
		assert.Equal(t, players[0].UserID, l.Admin().UserID)
	})
}

// TestLobby_StateTransitions 測試狀態機
func TestLobby_StateTransitions(t *testing.T) {
	l, players := newTestLobby(t, "Alice", "Bob")

	assert.False(t, l.Start(players[1].UserID), "non-admin cannot start")
	assert.False(t, l.Start(""), "empty user cannot start")
	assert.Equal(t, internal.StateForming, l.State())

	require.True(t, l.Start(players[0].UserID))
	assert.Equal(t, internal.StateInProgress, l.State())
	assert.True(t, l.InProgress())

	assert.False(t, l.Start(players[0].UserID), "cannot start twice")

	l.End()
	assert.Equal(t, internal.StateEnded, l.State())
	assert.False(t, l.InProgress())
}

// TestLobby_End 測試勝利者判定（同分取先加入者）
func TestLobby_End(t *testing.T) {
	tests := []struct {
		name   string
		points []int64
		want   string
	}{
		{name: "highest wins", points: []int64{10, 30, 20}, want: "Bob"},
		{name: "tie goes to earlier join", points: []int64{30, 30, 20}, want: "Alice"},
		{name: "all zero goes to first", points: []int64{0, 0, 0}, want: "Alice"},
		{name: "negative corrections", points: []int64{-5, -1, -3}, want: "Bob"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, players := newTestLobby(t, "Alice", "Bob", "Carol")
			for i, pts := range tt.points {
				_, err := l.ApplyPoints(players[i].UserID, pts, epoch)
				require.NoError(t, err)
			}

			winner := l.End()
			require.NotNil(t, winner)
			assert.Equal(t, tt.want, winner.Username)
		})
	}
}

// TestLobby_EndStopsTimer 結束後計時器不再觸發
func TestLobby_EndStopsTimer(t *testing.T) {
	l, players := newTestLobby(t, "Alice")
	require.True(t, l.Start(players[0].UserID))

	fired := make(chan struct{}, 1)
	l.ArmTimer(20*time.Millisecond, func() { fired <- struct{}{} })
	l.End()

	select {
	case <-fired:
		t.Fatal("timer fired after End")
	case <-time.After(60 * time.Millisecond):
	}
}

// TestLobby_ApplyPoints 測試分數累加
func TestLobby_ApplyPoints(t *testing.T) {
	l, players := newTestLobby(t, "Alice")

	p, err := l.ApplyPoints(players[0].UserID, 50, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.Points)

	p, err = l.ApplyPoints(players[0].UserID, 20, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(70), p.Points)

	p, err = l.ApplyPoints(players[0].UserID, -15, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(55), p.Points)

	_, err = l.ApplyPoints("nobody", 10, epoch)
	assert.ErrorIs(t, err, apperr.ErrPlayerNotFound)
}

// TestLobby_View 快照是複本
func TestLobby_View(t *testing.T) {
	l, players := newTestLobby(t, "Alice", "Bob")
	l.Detach("conn-b")

	view := l.View()
	assert.Equal(t, "12345", view.Code)
	assert.Equal(t, internal.StateForming, view.State)
	assert.Equal(t, "Alice", view.AdminUsername)
	assert.Equal(t, 1, view.Connected)
	require.Len(t, view.Players, 2)

	view.Players[0].Points = 999
	assert.Equal(t, int64(0), players[0].Points)
}
