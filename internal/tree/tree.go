// Package tree groups normalized devices into the category hierarchy the
// presentation layer renders, and diffs successive snapshots so the view
// can update incrementally on hot-plug bursts.
package tree

import (
	"sort"

	"linman/internal/device"
)

// Node is one category with its device leaves, ordered by stable ID.
type Node struct {
	Class   device.Class
	Label   string
	Devices []device.Device
}

// Tree is the full category hierarchy for one scan generation.
type Tree struct {
	Host  string
	Nodes []Node
}

// Build groups devices by class. Categories appear in the fixed class
// order, devices within a category sorted by stable ID, so identical
// device sets always produce structurally identical trees regardless of
// input ordering.
func Build(host string, devs []device.Device) *Tree {
	byClass := map[device.Class][]device.Device{}
	for _, d := range devs {
		byClass[d.Class] = append(byClass[d.Class], d)
	}

	t := &Tree{Host: host}
	for _, c := range device.Classes() {
		devs := byClass[c]
		if len(devs) == 0 {
			continue
		}
		sort.Slice(devs, func(i, j int) bool { return devs[i].ID < devs[j].ID })
		t.Nodes = append(t.Nodes, Node{Class: c, Label: c.Label(), Devices: devs})
	}
	return t
}

// ChangeKind classifies one edit in a tree diff.
type ChangeKind int

const (
	Added ChangeKind = iota
	Removed
	Changed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "changed"
	}
}

// Change is one edit against the previous tree, keyed by the device's
// stable identifier.
type Change struct {
	Kind   ChangeKind
	Class  device.Class
	ID     string
	Device device.Device
}

// Diff computes the ordered edit script turning old into new. Identical
// trees yield an empty script. Order follows the category order, then
// stable ID within a category.
func Diff(old, next *Tree) []Change {
	oldByClass := indexTree(old)
	newByClass := indexTree(next)

	var changes []Change
	for _, c := range device.Classes() {
		oldDevs := oldByClass[c]
		newDevs := newByClass[c]

		ids := map[string]bool{}
		for id := range oldDevs {
			ids[id] = true
		}
		for id := range newDevs {
			ids[id] = true
		}
		ordered := make([]string, 0, len(ids))
		for id := range ids {
			ordered = append(ordered, id)
		}
		sort.Strings(ordered)

		for _, id := range ordered {
			o, inOld := oldDevs[id]
			n, inNew := newDevs[id]
			switch {
			case inOld && !inNew:
				changes = append(changes, Change{Kind: Removed, Class: c, ID: id, Device: o})
			case !inOld && inNew:
				changes = append(changes, Change{Kind: Added, Class: c, ID: id, Device: n})
			case !o.Equal(n):
				changes = append(changes, Change{Kind: Changed, Class: c, ID: id, Device: n})
			}
		}
	}
	return changes
}

func indexTree(t *Tree) map[device.Class]map[string]device.Device {
	out := map[device.Class]map[string]device.Device{}
	if t == nil {
		return out
	}
	for _, n := range t.Nodes {
		m := map[string]device.Device{}
		for _, d := range n.Devices {
			m[d.ID] = d
		}
		out[n.Class] = m
	}
	return out
}
