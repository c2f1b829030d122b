package main

import (
	"io"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const bufferSize = 32 << 10 // 32 kB buffer.
var bufPool = sync.Pool{
	New: func() interface{} {
		buffer := make([]byte, bufferSize)
		return &buffer
	},
}

// bridge pipes two duplex streams until both directions have ended or one
// of them failed. Bytes read from local are added to out, bytes read from
// remote to in. Both streams are closed when bridge returns.
func bridge(local, remote io.ReadWriteCloser, out, in *atomic.Int64) error {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			local.Close()
			remote.Close()
		})
	}
	defer closeBoth()

	var g errgroup.Group
	g.Go(func() error {
		return pipeOneWay(remote, local, out, closeBoth)
	})
	g.Go(func() error {
		return pipeOneWay(local, remote, in, closeBoth)
	})
	err := g.Wait()
	if isClosedConnError(err) {
		return nil
	}
	return err
}

// pipeOneWay copies src into dst. A clean EOF is passed on as a half close
// when dst supports it; anything else ends both directions.
func pipeOneWay(dst io.Writer, src io.Reader, counter *atomic.Int64, closeBoth func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Debugf("Recovered from %s", r)
			closeBoth()
		}
	}()

	buf := bufPool.Get().(*[]byte)
	defer bufPool.Put(buf)

	_, err = io.CopyBuffer(dst, &countingReader{r: src, count: counter}, *buf)
	if err == nil {
		if hc, ok := dst.(halfCloser); ok {
			if hc.CloseWrite() == nil {
				return nil
			}
		}
	}
	closeBoth()
	return err
}
