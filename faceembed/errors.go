package faceembed

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidImage   = errors.New("invalid image file")
	ErrNoFaceDetected = errors.New("no face detected")
)

// InternalError is any failure that is not the caller's fault.
type InternalError struct {
	Message string
	Cause   error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *InternalError) Unwrap() error {
	return e.Cause
}

// IsClientError reports whether err was caused by the submitted image.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidImage) || errors.Is(err, ErrNoFaceDetected)
}
