package firewall

import (
	"regexp"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"grimm.is/chainwall/internal/errors"
)

var chainNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// validateRule checks everything about r that does not depend on table state.
func validateRule(r *Rule) error {
	if len(r.Name) > MaxNameLen {
		return errors.Errorf(errors.KindInvalidArgument, "rule name longer than %d bytes", MaxNameLen)
	}
	// Names must be stored exactly as the rules file will read them back.
	if !utf8.ValidString(r.Name) {
		return errors.Attr(errors.New(errors.KindInvalidArgument, "rule name is not valid UTF-8"), "field", "name")
	}
	if !norm.NFC.IsNormalString(r.Name) {
		return errors.Attr(errors.New(errors.KindInvalidArgument, "rule name is not NFC normalized"), "field", "name")
	}
	if r.Match&^matchAll != 0 {
		return errors.Attr(errors.Errorf(errors.KindInvalidArgument, "undefined match flags 0x%x", uint32(r.Match&^matchAll)), "field", "match")
	}
	if r.States&^stateMaskAll != 0 {
		return errors.Attr(errors.Errorf(errors.KindInvalidArgument, "undefined state bits 0x%x", uint8(r.States&^stateMaskAll)), "field", "states")
	}
	if _, ok := MaskBits(r.SrcMask); !ok {
		return errors.Attr(errors.Errorf(errors.KindInvalidArgument, "source mask %s is not contiguous", FormatIPv4(r.SrcMask)), "field", "src")
	}
	if _, ok := MaskBits(r.DstMask); !ok {
		return errors.Attr(errors.Errorf(errors.KindInvalidArgument, "destination mask %s is not contiguous", FormatIPv4(r.DstMask)), "field", "dst")
	}
	if r.Action > ActionReturn {
		return errors.Attr(errors.Errorf(errors.KindInvalidArgument, "unknown action %d", r.Action), "field", "action")
	}
	if r.Direction > Outbound {
		return errors.Attr(errors.Errorf(errors.KindInvalidArgument, "unknown direction %d", r.Direction), "field", "direction")
	}
	return nil
}

func validateChainName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLen || !chainNameRe.MatchString(name) {
		return errors.Errorf(errors.KindInvalidArgument, "invalid chain name %q", name)
	}
	return nil
}
