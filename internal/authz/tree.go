package authz

import "strings"

// SubTree is a node of a user's permission tree.
type SubTree struct {
	Action   Action              `json:"action"`
	Children map[string]*SubTree `json:"children"`
}

// Tree is a user's permission tree rooted at a URI path.
type Tree struct {
	Path string `json:"path"`
	SubTree
}

// Allows reports whether the tree grants catalog visibility for an image
// name. The walk splits the name on "/" and descends only through "list"
// nodes; the first node with any other action decides. A node action of
// "deny" or "list" hides the image.
func (t *Tree) Allows(name string) bool {
	node := &t.SubTree
	for _, part := range strings.Split(name, "/") {
		if node.Action != ActionList {
			break
		}
		child, ok := node.Children[part]
		if !ok {
			break
		}
		node = child
	}
	return node.Action.Covers(ActionRead)
}
