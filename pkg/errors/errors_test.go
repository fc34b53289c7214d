package errors_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// TestAppError_Is 測試錯誤碼比對
func TestAppError_Is(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"capacity", apperrors.ErrCapacity, apperrors.IsCapacity, true},
		{"wrapped duplicate", fmt.Errorf("add player: %w", apperrors.ErrDuplicateID), apperrors.IsDuplicateID, true},
		{"details keep code", apperrors.ErrUnknownPlayer.WithDetails("id=%d", 7), apperrors.IsUnknownPlayer, true},
		{"plain error", errors.New("boom"), apperrors.IsNotFound, false},
		{"different code", apperrors.ErrInvalidState, apperrors.IsMissingField, false},
		{"already queued is duplicate", apperrors.ErrAlreadyQueued, apperrors.IsDuplicateID, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

// TestAppError_WithDetailsDoesNotMutateSentinel 測試 WithDetails 不修改共享錯誤
func TestAppError_WithDetailsDoesNotMutateSentinel(t *testing.T) {
	detailed := apperrors.ErrNotFound.WithDetails("room=%s", "abc")

	assert.Empty(t, apperrors.ErrNotFound.Details)
	assert.Equal(t, "room=abc", detailed.Details)
	assert.True(t, errors.Is(detailed, apperrors.ErrNotFound))
	assert.Contains(t, detailed.Error(), "NOT_FOUND")
	assert.Contains(t, detailed.Error(), "room=abc")
}

// TestWrap 測試包裝錯誤
func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := apperrors.Wrap(cause, apperrors.ErrCodeUnavailable, "save match")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[SERVICE_UNAVAILABLE] save match: connection refused", err.Error())
}

// TestHTTPStatus 測試錯誤碼對應的狀態碼
func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"missing field", apperrors.ErrMissingField, http.StatusBadRequest},
		{"not found", fmt.Errorf("get: %w", apperrors.ErrNotFound), http.StatusNotFound},
		{"owned by peer", apperrors.ErrRoomOwnedByPeer, http.StatusConflict},
		{"store down", apperrors.ErrStoreFailed, http.StatusServiceUnavailable},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.HTTPStatus(tt.err))
		})
	}
}
