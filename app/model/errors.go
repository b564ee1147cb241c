package model

import "errors"

// 对外可见的错误分类，统一用 errors.Is 判断
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("task not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUpstream          = errors.New("inference upstream error")
	ErrPersistence       = errors.New("persistence error")
	ErrStorage           = errors.New("storage error")
	ErrTooManyStreams    = errors.New("too many open streams")
)
