package model

import "errors"

var (
	ErrUnknownCamera     = errors.New("unknown camera")
	ErrDuplicateCamera   = errors.New("camera already registered with different definition")
	ErrInvalidTransition = errors.New("invalid incident transition")
	ErrAlertDispatch     = errors.New("alert dispatch failed")
)
