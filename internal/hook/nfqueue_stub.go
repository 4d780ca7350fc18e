//go:build !linux

package hook

import (
	"context"
	"fmt"
)

// Start returns an error on non-Linux systems.
func (q *Queue) Start(ctx context.Context) error {
	return fmt.Errorf("nfqueue is only supported on Linux")
}
