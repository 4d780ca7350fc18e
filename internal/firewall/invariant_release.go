//go:build !fwdebug

package firewall

const debugInvariants = false
