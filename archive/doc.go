/*

Package archive is a content-addressable deduplicating block store.
Every block is stored once, compressed, in a file named after the
digest of its uncompressed content.

Vocabulary:

- digest: lowercase hex hash of a block's uncompressed content
- block: one stored unit of compressed content; deduplication atom;
	stored as a file named by its digest
- shard: two-hex-character subdirectory
- prefix: slash-joined shards leading from the storage root to the
	directory holding a block, e.g. "ab/cd"; "" is the root
- marker: how a shard shows up in its parent's child set, e.g. "ab/"
- split: turning an over-full directory into 256 shards and moving
	its blocks down one level
- chain: ordered digests of the blocks a stream was cut into

Blocks whose digests share a prefix live under that prefix, so the
tree can be rebuilt from the disk alone and needs no rebalancing
beyond local splits.

*/

package archive
