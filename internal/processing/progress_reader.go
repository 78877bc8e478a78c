package processing

import (
	"io"
	"sync"
)

// ProgressFunc receives the sent fraction of the request body in [0,100].
type ProgressFunc func(percent float64)

// progressReader counts bytes pulled by the transport.
type progressReader struct {
	reader   io.Reader
	total    int64
	onChange ProgressFunc

	mu   sync.Mutex
	sent int64
}

func newProgressReader(reader io.Reader, total int64, onChange ProgressFunc) io.Reader {
	if onChange == nil || total <= 0 {
		return reader
	}
	return &progressReader{reader: reader, total: total, onChange: onChange}
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.mu.Lock()
		r.sent += int64(n)
		sent := r.sent
		r.mu.Unlock()

		percent := float64(sent) / float64(r.total) * 100
		if percent > 100 {
			percent = 100
		}
		r.onChange(percent)
	}
	return n, err
}
