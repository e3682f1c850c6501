// Package errors 定義大廳服務對外可見的錯誤分類
//
// 每個錯誤碼都會原樣出現在 WebSocket `error` 回覆的 code 欄位，
// 因此錯誤碼一經發布就不應更改。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeValidation 訊息格式錯誤或欄位缺失
	ErrCodeValidation = "VALIDATION_ERROR"
	// ErrCodeLobbyNotFound 大廳代碼未註冊
	ErrCodeLobbyNotFound = "LOBBY_NOT_FOUND"
	// ErrCodePlayerNotFound 大廳內找不到玩家
	ErrCodePlayerNotFound = "PLAYER_NOT_FOUND"
	// ErrCodeGameInProgress 遊戲已開始，賽前加入被拒
	ErrCodeGameInProgress = "GAME_IN_PROGRESS"
	// ErrCodeRateLimited 分數更新超過速率限制
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeCapacity 大廳代碼空間耗盡
	ErrCodeCapacity = "CAPACITY_EXCEEDED"
	// ErrCodeForbidden 非管理員執行管理操作
	ErrCodeForbidden = "FORBIDDEN"
	// ErrCodeUnavailable 外部排名儲存未設定或無法連線
	ErrCodeUnavailable = "UNAVAILABLE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓 errors.Is(err, ErrLobbyNotFound) 對帶細節的副本也成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳帶有詳細資訊的副本
//
// 預定義錯誤是共用的，不能原地修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	ErrInvalidMessage     = New(ErrCodeValidation, "malformed message")
	ErrLobbyNotFound      = New(ErrCodeLobbyNotFound, "lobby not found")
	ErrPlayerNotFound     = New(ErrCodePlayerNotFound, "player not found")
	ErrGameInProgress     = New(ErrCodeGameInProgress, "game already in progress")
	ErrRateLimited        = New(ErrCodeRateLimited, "too many score updates, slow down")
	ErrCodeSpaceExhausted = New(ErrCodeCapacity, "no lobby codes available")
	ErrNotAdmin           = New(ErrCodeForbidden, "only the lobby admin can do that")
	ErrRankingsDisabled   = New(ErrCodeUnavailable, "ranking store not configured")
	ErrInternal           = New(ErrCodeInternal, "internal error")
)

// CodeOf 取出錯誤碼，非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// MessageOf 取出可回給客戶端的訊息
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Details != "" {
			return appErr.Message + ": " + appErr.Details
		}
		return appErr.Message
	}
	return ErrInternal.Message
}

// IsValidation 檢查是否為驗證錯誤
func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// IsNotFound 檢查是否為找不到大廳或玩家
func IsNotFound(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeLobbyNotFound || code == ErrCodePlayerNotFound
}

// IsConflict 檢查是否為狀態衝突
func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeGameInProgress
}

// IsRateLimited 檢查是否被限流
func IsRateLimited(err error) bool {
	return CodeOf(err) == ErrCodeRateLimited
}
