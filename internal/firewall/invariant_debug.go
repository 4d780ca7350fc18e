//go:build fwdebug

package firewall

const debugInvariants = true
