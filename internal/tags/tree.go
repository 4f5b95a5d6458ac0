package tags

import (
	"fmt"
	"sort"
	"strings"
)

// TreeNode is one level of the materialized tag hierarchy.
type TreeNode struct {
	Name     string // segment name, "" for the synthetic root
	Children map[string]*TreeNode
}

// BuildTree assembles tag names into a hierarchy. When prefix is non-empty,
// only tags equal to it or beneath it are included.
func BuildTree(names []string, prefix string) *TreeNode {
	root := &TreeNode{Children: make(map[string]*TreeNode)}
	for _, name := range names {
		if prefix != "" && name != prefix && !strings.HasPrefix(name, prefix+":") {
			continue
		}
		cur := root
		for _, seg := range strings.Split(name, ":") {
			child, ok := cur.Children[seg]
			if !ok {
				child = &TreeNode{Name: seg, Children: make(map[string]*TreeNode)}
				cur.Children[seg] = child
			}
			cur = child
		}
	}
	return root
}

// sortedChildren returns children in deterministic name order.
func (n *TreeNode) sortedChildren() []*TreeNode {
	out := make([]*TreeNode, 0, len(n.Children))
	for _, c := range n.Children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RenderText renders the tree as an indented text listing.
func (n *TreeNode) RenderText() string {
	var b strings.Builder
	var walk func(node *TreeNode, depth int)
	walk = func(node *TreeNode, depth int) {
		for _, c := range node.sortedChildren() {
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString(c.Name)
			b.WriteByte('\n')
			walk(c, depth+1)
		}
	}
	walk(n, 0)
	return b.String()
}

// RenderMermaid renders the tree as a Mermaid flowchart definition.
func (n *TreeNode) RenderMermaid() string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	var walk func(node *TreeNode, path string)
	walk = func(node *TreeNode, path string) {
		for _, c := range node.sortedChildren() {
			childPath := c.Name
			if path != "" {
				childPath = path + ":" + c.Name
			}
			if path == "" {
				fmt.Fprintf(&b, "    %s[%q]\n", mermaidID(childPath), c.Name)
			} else {
				fmt.Fprintf(&b, "    %s --> %s[%q]\n", mermaidID(path), mermaidID(childPath), c.Name)
			}
			walk(c, childPath)
		}
	}
	walk(n, "")
	return b.String()
}

func mermaidID(path string) string {
	return strings.NewReplacer(":", "_", "-", "_").Replace(path)
}

// RenderSVG renders a minimal SVG listing of the tree, one row per tag
// segment, indented by depth. Intended for quick embedding in dashboards,
// not as a layout engine.
func (n *TreeNode) RenderSVG() string {
	const rowHeight, indent = 18, 16
	var rows []string
	var walk func(node *TreeNode, depth int)
	y := rowHeight
	walk = func(node *TreeNode, depth int) {
		for _, c := range node.sortedChildren() {
			rows = append(rows, fmt.Sprintf(`  <text x="%d" y="%d">%s</text>`, 4+depth*indent, y, c.Name))
			y += rowHeight
			walk(c, depth+1)
		}
	}
	walk(n, 0)

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="480" height="%d" font-family="monospace" font-size="13">`, y)
	b.WriteByte('\n')
	for _, r := range rows {
		b.WriteString(r)
		b.WriteByte('\n')
	}
	b.WriteString("</svg>\n")
	return b.String()
}
