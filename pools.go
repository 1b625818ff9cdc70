package revdb

import "sync"

var arrayOfBytesPool = &sync.Pool{
	New: func() any {
		return make([][]byte, 0, 64)
	},
}

var keyBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 256)
	},
}

func releaseKeyBytes(b []byte) {
	keyBytesPool.Put(b[:0])
}
