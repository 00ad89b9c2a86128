// Package router implements server/location resolution (C8): matching a
// request's Host header and URI against configured routes and yielding
// the handling directive (an upstream group name or a static directory).
//
// The host-matching structure is adapted from
// internal/filtering/trie.go's DomainTrie, generalized from a
// present/absent block check to a trie that carries a value (the
// matched ServerBlock) at each terminal node instead of a boolean flag.
package router

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/kestrelproxy/kestrel/internal/config"
)

// ErrNoRoute is returned when no server block and no default server
// match the request.
var ErrNoRoute = errors.New("router: no matching route")

// Location is one location block: a URI prefix (or exact match) bound to
// either an upstream group or a static directory.
type Location struct {
	Path      string
	ExactOnly bool
	Upstream  string
	StaticDir string
}

// ServerBlock groups the locations configured for one Host pattern.
type ServerBlock struct {
	Host      string
	Wildcard  bool
	Locations []Location
}

// Match is the resolved route for a request.
type Match struct {
	Host      string
	Location  string
	Upstream  string
	StaticDir string
}

type hostNode struct {
	children map[string]*hostNode
	exact    *ServerBlock
	wildcard *ServerBlock
}

func newHostNode() *hostNode {
	return &hostNode{children: make(map[string]*hostNode, 4)}
}

// Router resolves (Host, URI) pairs against configured server/location
// blocks.
type Router struct {
	mu      sync.RWMutex
	root    *hostNode
	def     *ServerBlock // catch-all server, used when no Host matches
}

// New builds an empty Router.
func New() *Router {
	return &Router{root: newHostNode()}
}

// Load replaces the router's configuration with routes, grouping entries
// that share a Host into one ServerBlock. A RouteConfig with an empty
// Host becomes (or contributes locations to) the default server.
func (r *Router) Load(routes []config.RouteConfig) {
	blocks := map[string]*ServerBlock{}
	var order []string
	var defaultBlock *ServerBlock

	for _, rc := range routes {
		host := normalizeHost(rc.Host)
		wildcard := strings.HasPrefix(host, "*.")
		lookupKey := host
		if wildcard {
			lookupKey = strings.TrimPrefix(host, "*.")
		}

		loc := Location{
			Path:      rc.Location,
			ExactOnly: rc.ExactOnly,
			Upstream:  rc.Upstream,
			StaticDir: rc.StaticDir,
		}

		if host == "" {
			if defaultBlock == nil {
				defaultBlock = &ServerBlock{Host: ""}
			}
			defaultBlock.Locations = append(defaultBlock.Locations, loc)
			continue
		}

		b, ok := blocks[lookupKey]
		if !ok {
			b = &ServerBlock{Host: lookupKey, Wildcard: wildcard}
			blocks[lookupKey] = b
			order = append(order, lookupKey)
		}
		if wildcard {
			b.Wildcard = true
		}
		b.Locations = append(b.Locations, loc)
	}

	for _, b := range blocks {
		sortLocations(b.Locations)
	}
	if defaultBlock != nil {
		sortLocations(defaultBlock.Locations)
	}

	root := newHostNode()
	for _, key := range order {
		b := blocks[key]
		insert(root, key, b)
	}

	r.mu.Lock()
	r.root = root
	r.def = defaultBlock
	r.mu.Unlock()
}

// sortLocations orders locations so the longest prefix is tried first;
// exact-match locations share the same slice but are always checked
// first by matchLocation regardless of this ordering.
func sortLocations(locs []Location) {
	sort.SliceStable(locs, func(i, j int) bool {
		return len(locs[i].Path) > len(locs[j].Path)
	})
}

func insert(root *hostNode, host string, block *ServerBlock) {
	labels := reversedLabels(host)
	node := root
	for _, label := range labels {
		child, ok := node.children[label]
		if !ok {
			child = newHostNode()
			node.children[label] = child
		}
		node = child
	}
	if block.Wildcard {
		node.wildcard = block
	} else {
		node.exact = block
	}
}

// Resolve matches hostHeader (optionally carrying a ":port" suffix) and
// requestURI against the configured routes, following spec's four-step
// algorithm: exact Host match wins, else the longest-matching wildcard,
// else the default server; within the chosen server, exact-match (`=`)
// locations win over the longest prefix-matching location.
//
// Per-listen-port server-block filtering (step 1 of the matching
// algorithm) is not modeled: kestrel's configuration binds routes
// globally rather than per listener, so every configured route is a
// candidate regardless of which configured address accepted the
// connection.
func (r *Router) Resolve(hostHeader, requestURI string) (*Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	host := normalizeHost(stripPort(hostHeader))
	block := r.lookupHost(host)
	if block == nil {
		block = r.def
	}
	if block == nil {
		return nil, ErrNoRoute
	}

	loc, ok := matchLocation(block.Locations, requestURI)
	if !ok {
		return nil, ErrNoRoute
	}

	return &Match{
		Host:      block.Host,
		Location:  loc.Path,
		Upstream:  loc.Upstream,
		StaticDir: loc.StaticDir,
	}, nil
}

func (r *Router) lookupHost(host string) *ServerBlock {
	if host == "" {
		return nil
	}
	labels := reversedLabels(host)
	node := r.root
	var wildcardMatch *ServerBlock

	for i, label := range labels {
		child, ok := node.children[label]
		if !ok {
			return wildcardMatch
		}
		node = child
		if node.wildcard != nil && i < len(labels)-1 {
			wildcardMatch = node.wildcard
		}
	}
	if node.exact != nil {
		return node.exact
	}
	return wildcardMatch
}

func matchLocation(locations []Location, uri string) (Location, bool) {
	for _, l := range locations {
		if l.ExactOnly && l.Path == uri {
			return l, true
		}
	}
	for _, l := range locations {
		if !l.ExactOnly && strings.HasPrefix(uri, l.Path) {
			return l, true
		}
	}
	return Location{}, false
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimSuffix(host, ".")))
}

func stripPort(hostHeader string) string {
	if strings.HasPrefix(hostHeader, "[") {
		if idx := strings.LastIndex(hostHeader, "]"); idx != -1 {
			return hostHeader[:idx+1]
		}
		return hostHeader
	}
	if idx := strings.LastIndex(hostHeader, ":"); idx != -1 {
		return hostHeader[:idx]
	}
	return hostHeader
}

func reversedLabels(host string) []string {
	labels := strings.Split(host, ".")
	n := len(labels)
	for i := 0; i < n/2; i++ {
		labels[i], labels[n-1-i] = labels[n-1-i], labels[i]
	}
	return labels
}
