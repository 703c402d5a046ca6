package tabs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoListener signals that the in-page reader is not installed in the tab
// (fresh navigation, page reload, or a crashed content world). This is the
// only error the dispatch layer retries: a revive can fix it.
var ErrNoListener = errors.New("tabs: in-page reader not installed")

// ErrNoTab reports that no open tab matches a target's URL patterns.
type ErrNoTab struct {
	Target string
}

func (e *ErrNoTab) Error() string {
	return fmt.Sprintf("tabs: no open tab for target %s", e.Target)
}

// ErrUnreachable reports a tab that stayed dead through a revive attempt.
type ErrUnreachable struct {
	Target string
}

func (e *ErrUnreachable) Error() string {
	return fmt.Sprintf("tabs: target %s unreachable after revive", e.Target)
}

// isHostGone reports DevTools errors that mean the page or browser is being
// torn down, as opposed to a transient eval failure.
func isHostGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	s := err.Error()
	for _, marker := range []string{
		"Cannot find context",
		"target closed",
		"session closed",
		"browser has been closed",
		"use of closed network connection",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
