package forward

import (
	"errors"
	"fmt"

	"github.com/samcharles93/layerscope/internal/model"
)

var (
	ErrConfig = errors.New("forward: invalid config")
	// ErrRange also matches model.ErrRange.
	ErrRange = fmt.Errorf("forward: %w", model.ErrRange)
)
