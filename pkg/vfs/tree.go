package vfs

import (
	"path"
	"sort"
	"strings"
)

// Node is one entry of a recursive file tree.
type Node struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	IsDir    bool    `json:"isDirectory"`
	Size     int64   `json:"size"`
	Children []*Node `json:"children,omitempty"`
}

// Tree builds the file tree rooted at root. Within each directory,
// subdirectories come first, then files, each group sorted by name.
func (f *FS) Tree(root string) (*Node, error) {
	root = Clean(root)
	nodes := make(map[string]*Node)

	err := f.Walk(root, func(p string, info *FileInfo) error {
		n := &Node{Name: info.Name, Path: p, IsDir: info.IsDir, Size: info.Size}
		nodes[p] = n
		if p == root {
			return nil
		}
		if parent, ok := nodes[path.Dir(p)]; ok {
			parent.Children = append(parent.Children, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	top := nodes[root]
	sortTree(top)
	return top, nil
}

func sortTree(n *Node) {
	sort.SliceStable(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		return a.Name < b.Name
	})
	for _, c := range n.Children {
		if c.IsDir {
			sortTree(c)
		}
	}
}

// DiskUsage returns the total size in bytes of all files under root.
func (f *FS) DiskUsage(root string) (int64, error) {
	var total int64
	err := f.Walk(root, func(_ string, info *FileInfo) error {
		if !info.IsDir {
			total += info.Size
		}
		return nil
	})
	return total, err
}

// UsageByNamespace aggregates file sizes per direct child directory of root,
// for example per skill under /skills.
func (f *FS) UsageByNamespace(root string) (map[string]int64, error) {
	root = Clean(root)
	prefix := descendantPrefix(root)
	usage := make(map[string]int64)

	err := f.Walk(root, func(p string, info *FileInfo) error {
		if p == root {
			return nil
		}
		rest := strings.TrimPrefix(p, prefix)
		ns := rest
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			ns = rest[:i]
		} else if !info.IsDir {
			return nil
		}
		if _, ok := usage[ns]; !ok {
			usage[ns] = 0
		}
		if !info.IsDir {
			usage[ns] += info.Size
		}
		return nil
	})
	return usage, err
}
