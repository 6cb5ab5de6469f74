// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package channels

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/yvespollah/coordinator/internal/token"
)

// ACL resolves publish-time authorisation decisions against a Catalogue.
type ACL struct {
	cat *Catalogue
}

// NewACL builds an ACL backed by cat.
func NewACL(cat *Catalogue) *ACL {
	return &ACL{cat: cat}
}

// resolve finds the Set governing channel, matching pattern entries (those
// ending in '*' or '#') with prefix semantics via doublestar, since a
// channel ending in '*' denotes a pattern whose matches are prefix-based.
func (a *ACL) resolve(channel string) (Set, bool) {
	if set, ok := a.cat.sets[channel]; ok {
		return set, true
	}
	for pattern, set := range a.cat.sets {
		if !isPattern(pattern) {
			continue
		}
		glob := strings.TrimSuffix(strings.TrimSuffix(pattern, "*"), "#") + "**"
		if ok, _ := doublestar.Match(glob, channel); ok {
			return set, true
		}
	}
	return Open, false
}

// CanPublish reports whether role may publish on channel. loopback is true
// for the coordinator's own trusted local connections, which bypass ACL
// entirely.
func (a *ACL) CanPublish(channel string, role token.Role, loopback bool) bool {
	if loopback {
		return true
	}
	set, known := a.resolve(channel)
	if !known {
		// Unregistered channels are treated as open: the catalogue names
		// every channel this system cares about, but staying permissive for
		// unlisted channels keeps the proxy transparent for pass-through use.
		return true
	}
	switch set {
	case Open:
		return true
	case Manager:
		return role == token.RoleManager || role == token.RoleCoordinator
	case Volunteer:
		return role == token.RoleVolunteer || role == token.RoleCoordinator
	default:
		return false
	}
}

// IsOpen reports whether channel requires no authorisation at all to
// publish on.
func (a *ACL) IsOpen(channel string) bool {
	set, known := a.resolve(channel)
	return !known || set == Open
}
