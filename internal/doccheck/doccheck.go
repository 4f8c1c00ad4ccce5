// Package doccheck detects documentation that should have been updated
// alongside code changes.
package doccheck

import (
	"sort"
	"strings"
)

// Detector maps module path prefixes to the documentation files that
// describe them.
type Detector struct {
	Mappings map[string][]string
}

// Report lists the docs affected by a change set, split into those that
// were themselves updated and those left stale.
type Report struct {
	Affected []string `json:"affected"`
	Updated  []string `json:"updated"`
	Missing  []string `json:"missing"`
}

// Check prefix-matches each changed file against the module mappings and
// reports which affected docs the change set did not touch. All slices
// come back sorted and deduplicated.
func (d Detector) Check(changed []string) Report {
	affected := map[string]bool{}
	for _, file := range changed {
		for module, docs := range d.Mappings {
			if strings.HasPrefix(file, module) {
				for _, doc := range docs {
					affected[doc] = true
				}
			}
		}
	}
	updated := map[string]bool{}
	for doc := range affected {
		for _, file := range changed {
			if file == doc || (strings.HasSuffix(doc, "/") && strings.HasPrefix(file, doc)) {
				updated[doc] = true
				break
			}
		}
	}
	rep := Report{}
	for doc := range affected {
		rep.Affected = append(rep.Affected, doc)
		if updated[doc] {
			rep.Updated = append(rep.Updated, doc)
		} else {
			rep.Missing = append(rep.Missing, doc)
		}
	}
	sort.Strings(rep.Affected)
	sort.Strings(rep.Updated)
	sort.Strings(rep.Missing)
	return rep
}
