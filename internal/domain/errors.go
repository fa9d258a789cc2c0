package domain

import "errors"

var (
	ErrNotFound             = errors.New("record not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidStatus        = errors.New("invalid event status")
	ErrShiftAlreadyFinished = errors.New("shift already finished")
	ErrShiftNotOpen         = errors.New("shift is not open")
	ErrDriverHasOpenShift   = errors.New("driver already has an open shift")
)
