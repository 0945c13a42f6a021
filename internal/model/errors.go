package model

import (
	"errors"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported config version")
	ErrUnknownProvider    = errors.New("unknown device provider")
)
