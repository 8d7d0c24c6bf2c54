package mesh

import "errors"

var (
	ErrTooManyMembers   = errors.New("mesh: too many members")
	ErrUnknownRobot     = errors.New("mesh: unknown robot")
	ErrMalformedMessage = errors.New("mesh: malformed message")
	ErrNotLeader        = errors.New("mesh: not leader")
	ErrNotConnected     = errors.New("mesh: not connected")
	ErrAlreadyConnected = errors.New("mesh: already connected")
	ErrInvalidPosition  = errors.New("mesh: invalid position")
	ErrInvalidStatus    = errors.New("mesh: invalid status")
	ErrInvalidConfig    = errors.New("mesh: invalid config")
	ErrClosed           = errors.New("mesh: coordinator closed")
)
