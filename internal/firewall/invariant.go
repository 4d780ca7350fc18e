package firewall

import "fmt"

// invariant reports whether ok holds. A violation panics in builds tagged
// fwdebug; otherwise the caller is expected to fail safe.
func invariant(ok bool, format string, args ...any) bool {
	if ok {
		return true
	}
	if debugInvariants {
		panic(fmt.Sprintf("firewall invariant violated: "+format, args...))
	}
	return false
}
