package revdb

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Tx is a storage transaction or read snapshot of a DB. Write
// transactions are owned by the DB handle and shared by nested
// BeginTransaction calls; callers only see them through Read and
// InTransaction callbacks.
type Tx struct {
	db        *DB
	stx       storageTx
	startTime time.Time
	stack     []byte
	closed    bool

	writes int
	purged bool

	keyBufs [][]byte
}

func (db *DB) beginTx(writable bool) (*Tx, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	stx, err := db.st.BeginTx(writable)
	if err != nil {
		return nil, translateErr(err, "begin")
	}
	tx := &Tx{
		db:        db,
		stx:       stx,
		startTime: time.Now(),
	}
	if writable {
		db.WriterCount.Add(1)
		db.WriteCount.Add(1)
	} else {
		db.ReaderCount.Add(1)
		db.ReadCount.Add(1)
	}
	if trackTxns {
		tx.stack = debug.Stack()
		db.addTx(tx)
	}
	return tx, nil
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) IsWritable() bool {
	return tx.stx.Writable()
}

func (tx *Tx) written() bool {
	return tx.writes > 0
}

// Close rolls back the transaction unless it has been committed.
// Calling it more than once is fine.
func (tx *Tx) Close() {
	if tx.closed {
		return
	}
	tx.closed = true
	writable := tx.stx.Writable()
	err := tx.stx.Rollback()
	if err != nil {
		panic(err) // not expected to happen unless storage API changes
	}
	if writable {
		tx.db.WriterCount.Add(-1)
	} else {
		tx.db.ReaderCount.Add(-1)
	}
	if trackTxns {
		tx.db.removeTx(tx)
	}
	tx.release()
}

func (tx *Tx) commit() error {
	if tx.closed {
		return errf(ErrClosed, nil, "commit of a closed transaction")
	}
	err := tx.stx.Commit()
	if err != nil {
		return translateErr(err, "commit")
	}
	if tx.db.opt.Verbose {
		logDebug("committed", slog.Int("writes", tx.writes), slog.Duration("elapsed", time.Since(tx.startTime)))
	}
	return nil
}

// keyBuf returns a pooled buffer that stays valid until the transaction
// closes, for keys handed to storage Put.
func (tx *Tx) keyBuf() []byte {
	buf := keyBytesPool.Get().([]byte)
	if tx.keyBufs == nil {
		tx.keyBufs = arrayOfBytesPool.Get().([][]byte)
	}
	tx.keyBufs = append(tx.keyBufs, buf)
	return buf[:0]
}

func (tx *Tx) release() {
	if tx.keyBufs == nil {
		return
	}
	for i, buf := range tx.keyBufs {
		releaseKeyBytes(buf)
		tx.keyBufs[i] = nil
	}
	arrayOfBytesPool.Put(tx.keyBufs[:0])
	tx.keyBufs = nil
}

func (tx *Tx) bucket(name string) storageBucket {
	return tx.stx.Bucket(name, "")
}

func (tx *Tx) bucketStats(name string) bucketStats {
	if b := tx.bucket(name); b != nil {
		return b.Stats()
	}
	return bucketStats{}
}

func (tx *Tx) put(name string, key, value []byte) error {
	b := tx.bucket(name)
	if b == nil {
		return errf(ErrInvalidParameter, ErrBucketNotFound, "bucket %s", name)
	}
	tx.writes++
	if err := b.Put(key, value); err != nil {
		return translateErr(err, "put "+name)
	}
	return nil
}

func (tx *Tx) delete(name string, key []byte) error {
	b := tx.bucket(name)
	if b == nil {
		return nil
	}
	tx.writes++
	if err := b.Delete(key); err != nil {
		return translateErr(err, "delete "+name)
	}
	return nil
}

func (tx *Tx) lastSequence() uint64 {
	meta := tx.bucket(metaBucket)
	if meta == nil {
		return 0
	}
	v := meta.Get(metaSeqKey)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func (tx *Tx) nextSequence() (uint64, error) {
	seq := tx.lastSequence() + 1
	if err := tx.put(metaBucket, metaSeqKey, seqKey(seq)); err != nil {
		return 0, err
	}
	return seq, nil
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}

// BeginTransaction opens a write transaction, or joins the one already
// open on this handle. Every call must be paired with EndTransaction.
func (db *DB) BeginTransaction() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if db.opt.ReadOnly {
		return ErrReadOnly
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.depth == 0 {
		tx, err := db.beginTx(true)
		if err != nil {
			return err
		}
		db.wtx = tx
		db.abort = false
	}
	db.depth++
	return nil
}

// EndTransaction ends one level of nesting. Passing commit=false at any
// level makes the whole transaction roll back; the outermost call
// performs the commit or rollback.
func (db *DB) EndTransaction(commit bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.depth == 0 {
		return ErrNotInTransaction
	}
	if !commit {
		db.abort = true
	}
	db.depth--
	if db.depth > 0 {
		return nil
	}

	tx := db.wtx
	abort := db.abort
	db.wtx, db.abort = nil, false
	defer tx.Close()

	if abort {
		db.metrics.aborts.Inc()
		if tx.written() {
			logInfo("transaction rolled back", slog.String("path", db.path), slog.Int("writes", tx.writes))
		}
		return nil
	}
	return db.commitLocked(tx)
}

func (db *DB) IsInTransaction() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.depth > 0
}

// InTransaction runs f between BeginTransaction and EndTransaction,
// committing if f returns nil and rolling back otherwise.
func (db *DB) InTransaction(f func() error) (err error) {
	err = db.BeginTransaction()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			db.EndTransaction(false)
		}
	}()
	err = f()
	committed = true
	if err != nil {
		db.EndTransaction(false)
		return err
	}
	return db.EndTransaction(true)
}
