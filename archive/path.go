package archive

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	shardRe = regexp.MustCompile(`^[0-9a-f][0-9a-f]$`)
	blockRe = regexp.MustCompile(`^[0-9a-f]+$`)
)

// isShard reports whether name is a two-hex-character shard directory name.
func isShard(name string) bool {
	return shardRe.MatchString(name)
}

// isDigest reports whether name could be a stored block's digest.
func isDigest(name string) bool {
	return blockRe.MatchString(name)
}

// dirMarker is how a shard appears in its parent's child set.
func dirMarker(shard string) string {
	return shard + "/"
}

func isDirMarker(child string) bool {
	return strings.HasSuffix(child, "/")
}

// joinPrefix appends a shard to a prefix.
func joinPrefix(prefix, shard string) string {
	if prefix == "" {
		return shard
	}
	return prefix + "/" + shard
}

// prefixDepth is the number of shards in a prefix.
func prefixDepth(prefix string) int {
	if prefix == "" {
		return 0
	}
	return strings.Count(prefix, "/") + 1
}

// candidatePrefixes lists the prefixes a digest could live under,
// longest first: the digest's two-character groups minus the last
// one, then shorter and shorter, down to but not including the root.
func candidatePrefixes(digest string) (prefixes []string) {
	var groups []string
	for i := 0; i+2 <= len(digest); i += 2 {
		groups = append(groups, digest[i:i+2])
	}
	if len(groups) > 0 {
		groups = groups[:len(groups)-1]
	}
	for n := len(groups); n > 0; n-- {
		prefixes = append(prefixes, strings.Join(groups[:n], "/"))
	}
	return
}

// shardOf returns the shard a digest falls into below a prefix of
// the given depth, or "" if the digest is too short to be sharded.
func shardOf(digest string, depth int) string {
	plen := 2 * depth
	if len(digest) < plen+2 {
		return ""
	}
	return digest[plen : plen+2]
}

// blockPath is where a digest stored under prefix lives on disk.
func (s *Store) blockPath(prefix, digest string) string {
	return filepath.Join(s.Dir, filepath.FromSlash(prefix), digest)
}

func (s *Store) prefixPath(prefix string) string {
	return filepath.Join(s.Dir, filepath.FromSlash(prefix))
}
