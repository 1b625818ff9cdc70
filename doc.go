/*
Package revdb implements a transactional multi-revision document store
with materialized view indexes, on top of a key-value store (Bolt, or an
in-memory store for tests and scratch databases).

We implement:

1. Documents, each holding a tree of revisions. The current revision is the
winning leaf: live leaves beat deleted ones, then the higher generation
wins, then the greater digest.

2. A sequence counter. Every save and every purge takes the next sequence,
which gives a changes feed in commit order.

3. Raw stores, named collections of unversioned key/meta/body records.

4. Views, secondary indexes built by caller-supplied map logic, with key
range queries in collation order and bounding box queries.

5. Per-document expiration, with enumeration and purging of expired
documents.

# Technical Details

**Buckets.**
The database keeps its data in a handful of buckets:

	meta     "seq" => last sequence, "keycheck" => encryption key check
	docs     docID => record (flags, sequence, expiration, revision tree)
	bodies   tuple(docID, revID) => body of one revision
	seqs     sequence => 'd' + docID, or 'p' + docID for a purge marker
	expiry   expiration + docID => empty
	raw      one nested bucket per raw store, key => tuple(meta, body)

Each document has at most one 'd' entry in seqs, at the sequence of its
last save. Bodies are stored apart from the revision tree so that loading
a document does not load every body.

**Revision trees.**
A revision tree is an arena: nodes refer to their parent by index, and the
arena is kept sorted by priority, so the current revision is always the
first node. Pruning keeps a fixed number of ancestors above every leaf and
remaps parent indices.

**Transactions.**
A DB handle has at most one write transaction, shared by nested
BeginTransaction calls. Operations that run outside of it (Purge, RawPut,
SetExpiration) open a transaction of their own. Enumerators and queries
read from a snapshot of their own and are never affected by later commits.

**Views.**
A view lives in a storage of its own. Row keys are the collated emitted key
followed by the collated document ID, so rows sort by key first. For every
document the view remembers the keys it emitted, and re-indexing deletes
exactly the rows the document no longer emits. Changing a view's version
erases it.

**Key collation.**
Keys are encoded so that byte order matches value order: null, false, true,
numbers, strings, arrays, objects. Numbers are 8-byte big-endian floats with
the sign bit flipped (or all bits inverted for negatives). Strings are
zero-terminated with embedded zeros escaped. Arrays and objects are
delimited by a type tag and a zero end byte.
*/
package revdb
