package sse

import (
	"net/http"
)

// Pre-allocated byte slices for SSE formatting. These avoid heap allocations
// on every write in the streaming hot path.
var (
	dataPrefix  = []byte("data: ")
	eventPrefix = []byte("event: ")
	newline     = []byte("\n")
	frameEnd    = []byte("\n\n")
	done        = []byte("data: [DONE]\n\n")
	keepAlive   = []byte(": keep-alive\n\n")
)

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	contentType  = []string{"text/event-stream; charset=utf-8"}
	cacheControl = []string{"no-cache"}
	connection   = []string{"keep-alive"}
	accelBuf     = []string{"no"}
)

// WriteHeaders sets the response headers for an SSE stream and commits the
// 200 status.
func WriteHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = contentType
	h["Cache-Control"] = cacheControl
	h["Connection"] = connection
	h["X-Accel-Buffering"] = accelBuf
	w.WriteHeader(http.StatusOK)
}

// WriteData writes a single SSE data frame: "data: <payload>\n\n".
func WriteData(w http.ResponseWriter, data []byte) {
	w.Write(dataPrefix)
	w.Write(data)
	w.Write(frameEnd)
}

// WriteEvent writes a named event frame: "event: <name>\ndata: <payload>\n\n".
func WriteEvent(w http.ResponseWriter, name string, data []byte) {
	if name == "" {
		WriteData(w, data)
		return
	}
	w.Write(eventPrefix)
	w.Write([]byte(name))
	w.Write(newline)
	WriteData(w, data)
}

// WriteDone writes the SSE stream termination sentinel: "data: [DONE]\n\n".
func WriteDone(w http.ResponseWriter) {
	w.Write(done)
}

// WriteKeepAlive writes an SSE comment to keep the connection alive.
func WriteKeepAlive(w http.ResponseWriter) {
	w.Write(keepAlive)
}

// Flush forces buffered frames onto the wire when the writer supports it.
func Flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
