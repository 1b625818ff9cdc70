package revdb

// Stats summarizes the storage used by a database.
type Stats struct {
	Documents  int
	Bodies     int
	Sequences  int
	Expiring   int
	RawStores  int
	RawRecords int
	LastSeq    uint64

	DataSize   int64
	DataAlloc  int64
	TotalBytes int64
}

func (s *Stats) add(bs bucketStats) {
	s.DataSize += bs.LeafInuse
	s.DataAlloc += bs.TotalAlloc()
}

// Stats returns storage statistics. Allocation figures are zero for
// in-memory databases.
func (db *DB) Stats() (Stats, error) {
	var s Stats
	err := db.read(func(tx *Tx) error {
		s = tx.stats()
		return nil
	})
	return s, err
}

func (tx *Tx) stats() Stats {
	var s Stats
	bs := tx.bucketStats(docsBucket)
	s.Documents = bs.KeyN
	s.add(bs)
	bs = tx.bucketStats(bodiesBucket)
	s.Bodies = bs.KeyN
	s.add(bs)
	bs = tx.bucketStats(seqsBucket)
	s.Sequences = bs.KeyN
	s.add(bs)
	bs = tx.bucketStats(expiryBucket)
	s.Expiring = bs.KeyN
	s.add(bs)

	stores := tx.stx.SubBuckets(rawBucket)
	s.RawStores = len(stores)
	for _, name := range stores {
		if b := tx.stx.Bucket(rawBucket, name); b != nil {
			bs := b.Stats()
			s.RawRecords += bs.KeyN
			s.add(bs)
		}
	}
	s.LastSeq = tx.lastSequence()
	s.TotalBytes = tx.stx.Size()
	return s
}
