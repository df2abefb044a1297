package usecase

import (
	"errors"
	"fmt"
)

var (
	ErrEngine           = errors.New("engine error")
	ErrInvalidFileIndex = errors.New("invalid file index")
)

func wrapEngine(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrEngine, err)
}
