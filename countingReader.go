package main

import (
	"io"
	"sync/atomic"
)

// Reader that adds every chunk it returns to a counter
type countingReader struct {
	r     io.Reader
	count *atomic.Int64
}

func (reader *countingReader) Read(p []byte) (n int, err error) {
	n, err = reader.r.Read(p)
	if n > 0 && reader.count != nil {
		reader.count.Add(int64(n))
	}
	return n, err
}
