//go:build !linux

package conntrack

import "fmt"

// KernelFlows is only available on Linux.
func KernelFlows() ([]Flow, error) {
	return nil, fmt.Errorf("kernel conntrack not supported on this platform")
}
