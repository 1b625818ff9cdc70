package revdb

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/puzpuzpuz/xsync/v3"
)

const trackTxns = true

const (
	metaBucket   = "meta"
	docsBucket   = "docs"
	bodiesBucket = "bodies"
	seqsBucket   = "seqs"
	expiryBucket = "expiry"
	rawBucket    = "raw"
)

var (
	metaSeqKey      = []byte("seq")
	metaKeyCheckKey = []byte("keycheck")

	dbBuckets = []string{metaBucket, docsBucket, bodiesBucket, seqsBucket, expiryBucket, rawBucket}
)

// DB is an open document store.
//
// A DB handle has at most one write transaction, opened by
// BeginTransaction and shared by nested calls. While it is open, reads
// made through the handle see its uncommitted changes. Enumerators always
// read from their own snapshot.
type DB struct {
	path   string
	opt    Options
	st     storage
	sealer *sealer

	mu     sync.Mutex
	depth  int
	abort  bool
	wtx    *Tx
	purged bool
	closed atomic.Bool

	lastSeq atomic.Uint64
	views   *xsync.MapOf[string, *View]
	metrics *dbMetrics

	ReaderCount atomic.Int64
	WriterCount atomic.Int64
	ReadCount   atomic.Uint64
	WriteCount  atomic.Uint64

	txns     []*Tx
	txnsLock sync.Mutex
}

type Options struct {
	// Create makes Open create the database if the path does not exist.
	Create bool
	// ReadOnly opens the database without write access.
	ReadOnly bool
	// AutoCompact runs Compact after every commit that purged documents.
	AutoCompact bool
	// EncryptionKey encrypts revision and raw bodies at rest.
	EncryptionKey *EncryptionKey

	Verbose   bool
	IsTesting bool
	MmapSize  int

	// BusyRetries and BusyDelay bound the retries of operations that fail
	// because storage is locked by someone else.
	BusyRetries int
	BusyDelay   time.Duration

	// Now is the clock used for expiration; time.Now if nil.
	Now func() time.Time
}

func (opt *Options) now() time.Time {
	if opt.Now != nil {
		return opt.Now()
	}
	return time.Now()
}

// Open opens the database at path, or a transient database if path is
// InMemory. It fails with ErrNotFound if the path does not exist and
// opt.Create is false, and with ErrWrongEncryptionKey if opt.EncryptionKey
// does not match the one the database was created with.
func Open(path string, opt Options) (*DB, error) {
	slr, err := newSealer(opt.EncryptionKey)
	if err != nil {
		return nil, err
	}

	var st storage
	if path == InMemory {
		if opt.ReadOnly {
			return nil, errf(ErrInvalidParameter, nil, "in-memory database cannot be read-only")
		}
		st = newMemStorage()
	} else {
		st, err = openBoltStorage(path, &opt)
		if err != nil {
			return nil, err
		}
	}

	db := &DB{
		path:   path,
		opt:    opt,
		st:     st,
		sealer: slr,
		views:  xsync.NewMapOf[string, *View](),
	}
	db.metrics = newDBMetrics(db)

	err = db.prepare()
	if err != nil {
		st.Close()
		return nil, err
	}
	if opt.Verbose {
		logInfo("opened database", slog.String("path", path), slog.Uint64("last_seq", db.lastSeq.Load()))
	}
	return db, nil
}

// prepare creates the buckets, verifies the encryption key and loads the
// sequence counter.
func (db *DB) prepare() error {
	tx, err := db.beginTx(!db.opt.ReadOnly)
	if err != nil {
		return err
	}
	defer tx.Close()

	if tx.IsWritable() {
		for _, name := range dbBuckets {
			if _, err := tx.stx.CreateBucket(name, ""); err != nil {
				return err
			}
		}
	}

	var stored []byte
	if meta := tx.bucket(metaBucket); meta != nil {
		stored = meta.Get(metaKeyCheckKey)
	}
	empty := tx.lastSequence() == 0 && tx.bucketStats(docsBucket).KeyN == 0 && len(tx.stx.SubBuckets(rawBucket)) == 0
	if err := db.sealer.verifyKeyCheck(stored, empty); err != nil {
		return err
	}
	if stored == nil && db.sealer != nil {
		if !tx.IsWritable() {
			return errf(ErrReadOnly, nil, "cannot initialize encryption on a read-only database")
		}
		if err := tx.bucket(metaBucket).Put(metaKeyCheckKey, db.sealer.check); err != nil {
			return translateErr(err, "put key check")
		}
	}

	db.lastSeq.Store(tx.lastSequence())
	if tx.IsWritable() {
		return tx.commit()
	}
	return nil
}

func (db *DB) Path() string {
	return db.path
}

func (db *DB) Options() Options {
	return db.opt
}

// Close rolls back an open transaction, closes all views opened on this
// database and releases the storage.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	var result *multierror.Error

	db.views.Range(func(name string, v *View) bool {
		if err := v.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("view %s: %w", name, err))
		}
		return true
	})

	db.mu.Lock()
	if db.wtx != nil {
		logWarn("closing database with an open transaction, rolling back", slog.String("path", db.path), slog.Int("depth", db.depth))
		db.wtx.Close()
		db.wtx, db.depth, db.abort = nil, 0, false
		db.metrics.aborts.Inc()
	}
	db.mu.Unlock()

	if err := db.st.Close(); err != nil {
		result = multierror.Append(result, translateErr(err, "close"))
	}
	return result.ErrorOrNil()
}

func (db *DB) checkOpen() error {
	if db.closed.Load() {
		return ErrClosed
	}
	return nil
}

// LastSequence returns the sequence of the latest save, including
// uncommitted saves of this handle's open transaction.
func (db *DB) LastSequence() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.wtx != nil {
		return db.wtx.lastSequence()
	}
	return db.lastSeq.Load()
}

// DocumentCount returns the number of documents whose current revision
// is not deleted.
func (db *DB) DocumentCount() (int, error) {
	var n int
	err := db.read(func(tx *Tx) error {
		docs := tx.bucket(docsBucket)
		if docs == nil {
			return nil
		}
		c := docs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec docRecord
			if err := rec.decode(v); err != nil {
				return docErrf(string(k), "", err, "corrupt record")
			}
			if !rec.Flags.Contains(DocDeleted) {
				n++
			}
		}
		return nil
	})
	return n, err
}

// Read runs f against a consistent view of the database: the handle's
// open transaction if there is one, or a fresh read snapshot otherwise.
func (db *DB) Read(f func(tx *Tx) error) error {
	return db.read(f)
}

func (db *DB) read(f func(tx *Tx) error) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.mu.Lock()
	if db.wtx != nil {
		defer db.mu.Unlock()
		return f(db.wtx)
	}
	db.mu.Unlock()

	tx, err := db.beginTx(false)
	if err != nil {
		return err
	}
	defer tx.Close()
	return f(tx)
}

// update runs f in the handle's open transaction, or in a write
// transaction of its own that commits when f succeeds. A failure that
// happens after f has written something to the shared transaction marks
// it for rollback, so a destructive operation never half-applies.
func (db *DB) update(op string, f func(tx *Tx) error) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if db.opt.ReadOnly {
		return ErrReadOnly
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	if tx := db.wtx; tx != nil {
		return db.callSharedLocked(op, tx, f)
	}

	tx, err := db.beginTx(true)
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := safelyCall(f, tx); err != nil {
		return err
	}
	return db.commitLocked(tx)
}

func (db *DB) commitLocked(tx *Tx) error {
	if !tx.written() {
		return nil
	}
	err := tx.commit()
	if err != nil {
		db.metrics.aborts.Inc()
		return err
	}
	db.metrics.commits.Inc()
	db.lastSeq.Store(tx.lastSequence())
	if tx.purged {
		db.purged = true
	}
	if db.purged && db.opt.AutoCompact {
		if err := db.compactLocked(); err != nil {
			logWarn("auto-compaction failed", slog.String("path", db.path), slog.Any("err", err))
		}
	}
	return nil
}

func (db *DB) addTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := -1
	for i, t := range db.txns {
		if t == tx {
			found = i
			break
		}
	}
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

// DescribeOpenTxns lists the storage transactions and snapshots that are
// currently open, oldest first, with the stack that opened long-running ones.
func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		kind := "read"
		if tx.IsWritable() {
			kind = "write"
		}
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n%s, open for %d ms\n", kind, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%s, open for %d ms:\n%s", kind, ms, tx.stack)
		}
	}

	return buf.String()
}
