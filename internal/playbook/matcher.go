// SPDX-License-Identifier: Apache-2.0

// Package playbook selects the playbook for an exception and drives its
// step state machine. The exception references the playbook by id and
// version; the playbook never points back.
package playbook

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/exception"
)

// TieBreak orders playbooks of equal priority.
type TieBreak string

const (
	// TieBreakNewestVersion prefers the latest created_at, then the highest
	// version.
	TieBreakNewestVersion TieBreak = "newest_version"
	TieBreakLowestID      TieBreak = "lowest_id"
)

func ParseTieBreak(raw string) (TieBreak, error) {
	switch tb := TieBreak(strings.ToLower(strings.TrimSpace(raw))); tb {
	case "":
		return TieBreakNewestVersion, nil
	case TieBreakNewestVersion, TieBreakLowestID:
		return tb, nil
	default:
		return "", fmt.Errorf("unknown playbook tie-break %q", raw)
	}
}

// Matches reports whether every non-empty condition holds for s.
func Matches(c domain.PlaybookConditions, s exception.Snapshot) bool {
	if c.Domain != "" && c.Domain != s.Domain {
		return false
	}
	if c.ExceptionType != "" && !matchType(c.ExceptionType, s.ExceptionType) {
		return false
	}
	if len(c.SeverityIn) > 0 && !containsSeverity(c.SeverityIn, s.Severity) {
		return false
	}
	if c.SLAMinutesRemainingLT != nil {
		if s.SLAMinutesRemaining == nil || *s.SLAMinutesRemaining >= *c.SLAMinutesRemainingLT {
			return false
		}
	}
	for _, tag := range c.RequiredTags {
		if !containsString(s.PolicyTags, tag) {
			return false
		}
	}
	return true
}

// matchType accepts an exact type or a shell pattern such as "payment_*".
func matchType(pattern, value string) bool {
	if pattern == value {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return false
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

func containsSeverity(set []domain.Severity, s domain.Severity) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Select returns the best matching candidate: lowest priority first, then
// the tie-break, then id and version so the result never depends on input
// order.
func Select(candidates []domain.Playbook, s exception.Snapshot, tb TieBreak) (domain.Playbook, bool) {
	matched := make([]domain.Playbook, 0, len(candidates))
	for _, pb := range candidates {
		if pb.TenantID != s.TenantID {
			continue
		}
		if Matches(pb.Conditions, s) {
			matched = append(matched, pb)
		}
	}
	if len(matched) == 0 {
		return domain.Playbook{}, false
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return less(matched[i], matched[j], tb)
	})
	return matched[0], true
}

func less(a, b domain.Playbook, tb TieBreak) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if tb != TieBreakLowestID {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.Version != b.Version {
			return a.Version > b.Version
		}
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.Version > b.Version
}
