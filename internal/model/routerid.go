package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// RouterID names a configured router. The zero value is not valid; use
// RouterDefault or ParseRouterID.
type RouterID string

// RouterDefault is the built-in router id. The literal "default" in any
// case folds to it.
const RouterDefault RouterID = "default"

var ErrInvalidRouterID = errors.New("invalid router id")

var reRouterID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,12}$`)

// ParseRouterID validates a router id captured from the URL or read from
// configuration.
func ParseRouterID(s string) (RouterID, error) {
	if strings.EqualFold(s, string(RouterDefault)) {
		return RouterDefault, nil
	}
	if !reRouterID.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRouterID, s)
	}
	return RouterID(s), nil
}

func (r RouterID) String() string { return string(r) }

func (r RouterID) IsDefault() bool { return r == RouterDefault }
