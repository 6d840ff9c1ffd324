package util

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
)

func (k ErrorKind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// AppError 业务错误，Kind 决定 HTTP 状态码
type AppError struct {
	Kind    ErrorKind
	Message string
}

func (e *AppError) Error() string {
	return e.Message
}

// Is 同类同消息即视为相等，便于 errors.Is 比较哨兵错误
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Kind == e.Kind && t.Message == e.Message
}

func Validationf(format string, args ...interface{}) error {
	return &AppError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...interface{}) error {
	return &AppError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Forbiddenf(format string, args ...interface{}) error {
	return &AppError{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...interface{}) error {
	return &AppError{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// KindOf 非 AppError 一律视为内部错误
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

var (
	ErrInvalidCredentials = &AppError{Kind: KindUnauthenticated, Message: "invalid username or password"}
	ErrUnauthenticated    = &AppError{Kind: KindUnauthenticated, Message: "authentication required"}
	ErrPermissionDenied   = &AppError{Kind: KindForbidden, Message: "permission denied"}
	ErrRegistrationClosed = &AppError{Kind: KindForbidden, Message: "only administrators can register users"}
	ErrUsernameTaken      = &AppError{Kind: KindConflict, Message: "username already exists"}

	ErrUserNotFound    = &AppError{Kind: KindNotFound, Message: "user not found"}
	ErrTestNotFound    = &AppError{Kind: KindNotFound, Message: "test not found"}
	ErrSubjectNotFound = &AppError{Kind: KindNotFound, Message: "subject not found"}
	ErrGradeNotFound   = &AppError{Kind: KindNotFound, Message: "grade not found"}

	ErrNotTestOwner           = &AppError{Kind: KindForbidden, Message: "you are not the author of this test"}
	ErrTestLocked             = &AppError{Kind: KindConflict, Message: "test has already started and can no longer be edited"}
	ErrTestNotStarted         = &AppError{Kind: KindConflict, Message: "test has not started yet"}
	ErrTestClosed             = &AppError{Kind: KindConflict, Message: "test is closed"}
	ErrAttemptAlreadyFinished = &AppError{Kind: KindConflict, Message: "test already submitted"}
	ErrTestHasNoQuestions     = &AppError{Kind: KindValidation, Message: "test has no questions"}
)
