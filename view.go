package revdb

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	viewInfoBucket = "info"
	viewRowsBucket = "rows"
	viewDocsBucket = "docs"
	viewGeoBucket  = "geo"
)

var (
	viewInfoKey = []byte("info")
	viewBuckets = []string{viewInfoBucket, viewRowsBucket, viewDocsBucket, viewGeoBucket}
)

// viewInfo is the persisted state of a view.
type viewInfo struct {
	Name             string `msgpack:"n"`
	Version          string `msgpack:"v"`
	LastSeqIndexed   uint64 `msgpack:"li"`
	LastSeqChangedAt uint64 `msgpack:"lc"`
	TotalRows        uint64 `msgpack:"r"`
}

// rowValue is stored under each row key.
type rowValue struct {
	_msgpack struct{} `msgpack:",as_array"`

	Sequence uint64 `msgpack:"s"`
	Value    []byte `msgpack:"v"`
}

// geoValue is stored under each geo key.
type geoValue struct {
	_msgpack struct{} `msgpack:",as_array"`

	Sequence uint64  `msgpack:"s"`
	Area     GeoArea `msgpack:"a"`
	Value    []byte  `msgpack:"v"`
}

type ViewOptions struct {
	// Create makes OpenView create the view file if it does not exist.
	Create bool
	// MmapSize overrides the initial mmap size of the view file.
	MmapSize int
}

// View is a versioned secondary index over the documents of one DB. Its
// rows live in a storage of their own and are only changed by an Indexer.
type View struct {
	db   *DB
	name string
	path string
	st   storage

	mu       sync.Mutex
	info     viewInfo
	indexing atomic.Bool
	closed   atomic.Bool
}

// OpenView opens the view name of db stored at path, or a transient view
// if path is InMemory. If the stored version differs from version, the
// view is erased and starts over from sequence 0.
func OpenView(db *DB, path, name, version string, opt ViewOptions) (*View, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errf(ErrInvalidParameter, nil, "empty view name")
	}

	v := &View{db: db, name: name, path: path}
	if _, loaded := db.views.LoadOrStore(name, v); loaded {
		return nil, errf(ErrInvalidParameter, nil, "view %s is already open", name)
	}

	var err error
	if path == InMemory {
		v.st = newMemStorage()
	} else {
		v.st, err = openBoltStorage(path, &Options{
			Create:      opt.Create,
			IsTesting:   db.opt.IsTesting,
			MmapSize:    opt.MmapSize,
			BusyRetries: db.opt.BusyRetries,
			BusyDelay:   db.opt.BusyDelay,
		})
	}
	if err == nil {
		err = v.prepare(version)
	}
	if err != nil {
		if v.st != nil {
			v.st.Close()
		}
		db.views.Delete(name)
		return nil, err
	}
	return v, nil
}

func (v *View) prepare(version string) error {
	stx, err := v.st.BeginTx(true)
	if err != nil {
		return translateErr(err, "begin")
	}
	defer stx.Rollback()

	for _, name := range viewBuckets {
		if _, err := stx.CreateBucket(name, ""); err != nil {
			return translateErr(err, "create bucket")
		}
	}

	var info viewInfo
	if raw := stx.Bucket(viewInfoBucket, "").Get(viewInfoKey); raw != nil {
		if err := msgpack.Unmarshal(raw, &info); err != nil {
			return errf(ErrInvalidEncoding, dataErrf(raw, 0, err, "invalid view info"), "view %s", v.name)
		}
		if info.Version != version {
			logInfo("view version changed, erasing", slog.String("view", v.name), slog.String("old", info.Version), slog.String("new", version))
			if err := eraseViewBuckets(stx); err != nil {
				return err
			}
			info = viewInfo{}
		}
	}
	info.Name, info.Version = v.name, version
	if err := putViewInfo(stx, &info); err != nil {
		return err
	}
	if err := stx.Commit(); err != nil {
		return translateErr(err, "commit")
	}
	v.info = info
	return nil
}

func eraseViewBuckets(stx storageTx) error {
	for _, name := range viewBuckets {
		if err := stx.DeleteBucket(name, ""); err != nil {
			return translateErr(err, "erase view")
		}
		if _, err := stx.CreateBucket(name, ""); err != nil {
			return translateErr(err, "erase view")
		}
	}
	return nil
}

func putViewInfo(stx storageTx, info *viewInfo) error {
	raw, err := msgpack.Marshal(info)
	if err != nil {
		return err
	}
	return translateErr(stx.Bucket(viewInfoBucket, "").Put(viewInfoKey, raw), "put view info")
}

func (v *View) Name() string { return v.name }

func (v *View) DB() *DB { return v.db }

func (v *View) snapshot() viewInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info
}

func (v *View) Version() string { return v.snapshot().Version }

func (v *View) TotalRows() uint64 { return v.snapshot().TotalRows }

func (v *View) LastSequenceIndexed() uint64 { return v.snapshot().LastSeqIndexed }

// LastSequenceChangedAt is the highest source sequence that changed the
// rows of the view. It lags LastSequenceIndexed when re-saved documents
// emit the same rows.
func (v *View) LastSequenceChangedAt() uint64 { return v.snapshot().LastSeqChangedAt }

// IsStale reports whether the database has sequences the view has not
// indexed yet.
func (v *View) IsStale() bool {
	return v.db.LastSequence() > v.LastSequenceIndexed()
}

func (v *View) checkOpen() error {
	if v.closed.Load() {
		return errf(ErrClosed, nil, "view %s is closed", v.name)
	}
	return nil
}

// EraseIndex removes every row and resets the sequences, keeping the
// version.
func (v *View) EraseIndex() error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	if !v.indexing.CompareAndSwap(false, true) {
		return errf(ErrBusy, nil, "view %s is being indexed", v.name)
	}
	defer v.indexing.Store(false)

	stx, err := v.st.BeginTx(true)
	if err != nil {
		return translateErr(err, "begin")
	}
	defer stx.Rollback()
	if err := eraseViewBuckets(stx); err != nil {
		return err
	}
	info := viewInfo{Name: v.name, Version: v.Version()}
	if err := putViewInfo(stx, &info); err != nil {
		return err
	}
	if err := stx.Commit(); err != nil {
		return translateErr(err, "commit")
	}
	v.mu.Lock()
	v.info = info
	v.mu.Unlock()
	return nil
}

// Close releases the view storage. Calling it more than once is fine.
func (v *View) Close() error {
	if v.closed.Swap(true) {
		return nil
	}
	v.db.views.Delete(v.name)
	return translateErr(v.st.Close(), "close view")
}

// Delete closes the view and removes its file.
func (v *View) Delete() error {
	if err := v.Close(); err != nil {
		return err
	}
	if v.path == InMemory {
		return nil
	}
	if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
		return translateErr(err, "delete view")
	}
	return nil
}
