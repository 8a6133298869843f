package main

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/emicklei/dot"
	"github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/hbackup/config"
	"github.com/rcowham/hbackup/meta"
	"github.com/rcowham/hbackup/register"
	"github.com/rcowham/hbackup/repo"
)

// treeNode is one directory or file in the rendered tree, keyed by
// its full path; children are discovered from the flat PathRecord
// list Latest returns, the way gitgraph derives commit parent/child
// edges from a flat list of commits.
type treeNode struct {
	path     string
	kind     meta.Kind
	size     int64
	gNode    dot.Node
	hasNode  bool
	children []string
}

func runGraph(logger *logrus.Logger, cfg *config.Config, repoFS billy.Filesystem) error {
	c, err := repo.Open(repoFS, ".", cfg.ClientNames(), repo.ReadOnly, logger)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	defer c.Close()

	reg := c.Register(*graphClient)
	if reg == nil {
		return fmt.Errorf("unknown client %q", *graphClient)
	}
	records, err := reg.Latest(*graphPrefix, *graphDate)
	if err != nil {
		return fmt.Errorf("reading register: %w", err)
	}

	graph := dot.NewGraph(dot.Directed)
	buildTree(graph, records)

	f, err := os.OpenFile(*graphOutput, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", *graphOutput, err)
	}
	defer f.Close()
	if _, err := f.WriteString(graph.String()); err != nil {
		return err
	}
	logger.Infof("graph: %d nodes written to %s", len(records), *graphOutput)
	return nil
}

// buildTree inserts every directory implied by records' paths (so the
// render shows the containing structure even though the register only
// journals leaf observations directly), then edges each node to its
// parent, mirroring gitgraph's parent/child edge construction over a
// flat commit list.
func buildTree(graph *dot.Graph, records []register.PathRecord) {
	nodes := map[string]*treeNode{
		"": {path: "", kind: meta.KindDir},
	}

	var order []string
	for _, rec := range records {
		if rec.Metadata.IsTombstone() {
			continue
		}
		dir := path.Dir(rec.Path)
		if dir == "." {
			dir = ""
		}
		parent := ensureParents(nodes, &order, dir)
		n := &treeNode{path: rec.Path, kind: rec.Metadata.Kind, size: rec.Metadata.Size}
		nodes[rec.Path] = n
		parent.children = append(parent.children, rec.Path)
		order = append(order, rec.Path)
	}

	sort.Strings(order)
	for _, p := range order {
		n := nodes[p]
		label := fmt.Sprintf("%s (%c)", displayName(p), n.kind)
		if n.kind == meta.KindFile {
			label = fmt.Sprintf("%s (%d bytes)", displayName(p), n.size)
		}
		n.gNode = graph.Node(label)
		n.hasNode = true
	}
	for _, p := range order {
		n := nodes[p]
		dir := path.Dir(p)
		if dir == "." {
			dir = ""
		}
		if parent, ok := nodes[dir]; ok && parent.hasNode {
			graph.Edge(parent.gNode, n.gNode)
		}
	}
}

// ensureParents walks dirPath up to the root, creating and recording
// any missing ancestor treeNode so every directory implied by a leaf
// path gets its own graph node even when the register never journaled
// the directory itself.
func ensureParents(nodes map[string]*treeNode, order *[]string, dirPath string) *treeNode {
	if n, ok := nodes[dirPath]; ok {
		return n
	}
	parentPath := path.Dir(dirPath)
	if parentPath == "." {
		parentPath = ""
	}
	parent := ensureParents(nodes, order, parentPath)
	n := &treeNode{path: dirPath, kind: meta.KindDir}
	nodes[dirPath] = n
	parent.children = append(parent.children, dirPath)
	*order = append(*order, dirPath)
	return n
}

func displayName(p string) string {
	if p == "" {
		return "/"
	}
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
