package utils

import (
	"sort"

	"github.com/wayjake/innbox/models"
)

// threadContainer holds one entry and its position in the reply tree
type threadContainer struct {
	entry    *models.ThreadEntry
	parent   *threadContainer
	children []*threadContainer
}

// OrderConversation arranges the messages of one thread as a reply tree,
// flattened depth-first: every message follows its parent, siblings are in
// date order, and Depth is set to the nesting level. Messages whose parent
// is not part of the thread become roots.
func OrderConversation(entries []models.ThreadEntry) []models.ThreadEntry {
	byID := make(map[string]*threadContainer, len(entries))
	containers := make([]*threadContainer, 0, len(entries))

	for i := range entries {
		c := &threadContainer{entry: &entries[i]}
		containers = append(containers, c)
		if id := entries[i].ExternalMessageID; id != "" {
			if _, dup := byID[id]; !dup {
				byID[id] = c
			}
		}
	}

	for _, c := range containers {
		parent := findParent(c, byID)
		if parent == nil {
			continue
		}
		c.parent = parent
		parent.children = append(parent.children, c)
	}

	var roots []*threadContainer
	for _, c := range containers {
		if c.parent == nil {
			roots = append(roots, c)
		}
	}

	ordered := make([]models.ThreadEntry, 0, len(entries))
	var walk func(list []*threadContainer, depth int)
	walk = func(list []*threadContainer, depth int) {
		sortByDate(list)
		for _, c := range list {
			e := *c.entry
			e.Depth = depth
			ordered = append(ordered, e)
			walk(c.children, depth+1)
		}
	}
	walk(roots, 0)

	return ordered
}

// findParent prefers In-Reply-To, then the closest reference present in the
// thread. Links that would create a cycle are ignored.
func findParent(c *threadContainer, byID map[string]*threadContainer) *threadContainer {
	candidates := make([]string, 0, len(c.entry.References)+1)
	if c.entry.InReplyTo != "" {
		candidates = append(candidates, c.entry.InReplyTo)
	}
	for i := len(c.entry.References) - 1; i >= 0; i-- {
		candidates = append(candidates, c.entry.References[i])
	}

	for _, id := range candidates {
		p, ok := byID[id]
		if !ok || p == c || isDescendant(p, c) {
			continue
		}
		return p
	}
	return nil
}

// isDescendant reports whether node sits below ancestor in the tree
func isDescendant(node, ancestor *threadContainer) bool {
	for p := node.parent; p != nil; p = p.parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

func sortByDate(list []*threadContainer) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].entry.Date.Before(list[j].entry.Date)
	})
}
