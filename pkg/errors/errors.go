// Package errors 提供對局引擎的錯誤分類
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// 定義錯誤碼
const (
	// ErrCodeCapacity 引擎玩家已滿
	ErrCodeCapacity = "CAPACITY_EXCEEDED"
	// ErrCodeDuplicateID 玩家 ID 已在線
	ErrCodeDuplicateID = "DUPLICATE_ID"
	// ErrCodeUnknownPlayer 玩家不存在
	ErrCodeUnknownPlayer = "UNKNOWN_PLAYER"
	// ErrCodeMissingField 訊息缺少欄位
	ErrCodeMissingField = "MISSING_FIELD"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidState 非法狀態轉換
	ErrCodeInvalidState = "INVALID_STATE"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
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
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is，錯誤碼相同即視為同類錯誤
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

// WithDetails 返回附帶詳細資訊的副本
//
// 預定義錯誤是共享的，這裡必須複製，否則並發呼叫會互相覆蓋 Details。
func (e *AppError) WithDetails(format string, args ...any) *AppError {
	cp := *e
	cp.Details = fmt.Sprintf(format, args...)
	return &cp
}

// 預定義錯誤
var (
	ErrCapacity        = New(ErrCodeCapacity, "game is full")
	ErrDuplicateID     = New(ErrCodeDuplicateID, "player id already connected")
	ErrUnknownPlayer   = New(ErrCodeUnknownPlayer, "player not in game")
	ErrMissingField    = New(ErrCodeMissingField, "required field missing")
	ErrNotFound        = New(ErrCodeNotFound, "match not found")
	ErrInvalidState    = New(ErrCodeInvalidState, "operation not allowed in current state")
	ErrInvalidInput    = New(ErrCodeInvalidInput, "invalid input")
	ErrAlreadyQueued   = New(ErrCodeDuplicateID, "ticket already queued")
	ErrStoreFailed     = New(ErrCodeUnavailable, "store unavailable")
	ErrRoomOwnedByPeer = New(ErrCodeInvalidState, "room is owned by another process")
)

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsCapacity 檢查是否為容量錯誤
func IsCapacity(err error) bool { return hasCode(err, ErrCodeCapacity) }

// IsDuplicateID 檢查是否為重複 ID 錯誤
func IsDuplicateID(err error) bool { return hasCode(err, ErrCodeDuplicateID) }

// IsUnknownPlayer 檢查是否為未知玩家錯誤
func IsUnknownPlayer(err error) bool { return hasCode(err, ErrCodeUnknownPlayer) }

// IsMissingField 檢查是否為缺少欄位錯誤
func IsMissingField(err error) bool { return hasCode(err, ErrCodeMissingField) }

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsInvalidState 檢查是否為非法狀態錯誤
func IsInvalidState(err error) bool { return hasCode(err, ErrCodeInvalidState) }

// IsInvalidInput 檢查是否為無效輸入
func IsInvalidInput(err error) bool { return hasCode(err, ErrCodeInvalidInput) }

// IsUnavailable 檢查是否為依賴服務不可用
func IsUnavailable(err error) bool { return hasCode(err, ErrCodeUnavailable) }

// HTTPStatus 錯誤碼對應的 HTTP 狀態碼
func HTTPStatus(err error) int {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Code {
	case ErrCodeMissingField, ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound, ErrCodeUnknownPlayer:
		return http.StatusNotFound
	case ErrCodeDuplicateID, ErrCodeInvalidState, ErrCodeCapacity:
		return http.StatusConflict
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
