package cache

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// recorder tees a response through to the client while it remains
// storable. Storability is decided once, when the status line goes out;
// from then on the body is buffered alongside the write-through, and a
// body that outgrows the store budget cancels the buffer without
// disturbing the client stream.
type recorder struct {
	http.ResponseWriter
	req      Directives
	bucket   int
	maxTTL   time.Duration
	maxBytes int64

	status      int
	wroteHeader bool
	storable    bool
	policy      Policy
	buf         bytes.Buffer
}

func newRecorder(w http.ResponseWriter, req Directives, bucket int, maxTTL time.Duration, maxBytes int64) *recorder {
	return &recorder{ResponseWriter: w, req: req, bucket: bucket, maxTTL: maxTTL, maxBytes: maxBytes}
}

func (rec *recorder) WriteHeader(code int) {
	if rec.wroteHeader {
		return
	}
	rec.wroteHeader = true
	rec.status = code
	if p, ok := storePolicy(rec.req, code, rec.Header(), time.Now(), rec.maxTTL); ok {
		rec.storable = true
		rec.policy = p
		rec.Header().Set(HeaderCache, "miss")
		rec.Header().Set(HeaderBucketIdx, strconv.Itoa(rec.bucket))
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(p []byte) (int, error) {
	if !rec.wroteHeader {
		rec.WriteHeader(http.StatusOK)
	}
	if rec.storable {
		if rec.maxBytes > 0 && int64(rec.buf.Len()+len(p)) > rec.maxBytes {
			rec.storable = false
			rec.buf.Reset()
		} else {
			rec.buf.Write(p)
		}
	}
	return rec.ResponseWriter.Write(p)
}

func (rec *recorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// bufferedWriter captures a complete response without forwarding it.
// Revalidation needs this: a 304 from upstream must turn back into the
// stored 200 before the client sees anything.
type bufferedWriter struct {
	header      http.Header
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	b.status = code
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.wroteHeader = true
	return b.buf.Write(p)
}

// flushTo relays the buffered response unchanged.
func (b *bufferedWriter) flushTo(w http.ResponseWriter) error {
	h := w.Header()
	for k, vv := range b.header {
		h[k] = vv
	}
	w.WriteHeader(b.status)
	if _, err := w.Write(b.buf.Bytes()); err != nil {
		return fmt.Errorf("relay response: %w", err)
	}
	return nil
}
