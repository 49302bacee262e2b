package proxy

import (
	"bytes"
	"net/http"
	"sync"
)

// stream is the per-request half of the host pipeline: it implements the
// gate's callbacks by collecting released data and signalling the waiting
// request goroutine. The gate invokes the callbacks inside its entry
// points, so every callback already runs under mu.
type stream struct {
	mu sync.Mutex

	headers  http.Header
	released bytes.Buffer
	trailers http.Header

	resumed chan struct{}
	replied chan struct{}

	replyCode    int
	replyMessage string
}

func newStream() *stream {
	return &stream{
		resumed: make(chan struct{}),
		replied: make(chan struct{}),
	}
}

func (st *stream) ForwardHeaders(headers http.Header, _ bool) {
	st.headers = headers
}

func (st *stream) ForwardData(chunk []byte, _ bool) {
	st.released.Write(chunk)
}

func (st *stream) ForwardTrailers(trailers http.Header) {
	st.trailers = trailers
}

func (st *stream) ResumeDecoding() {
	close(st.resumed)
}

func (st *stream) SendLocalReply(code int, message string) {
	st.replyCode = code
	st.replyMessage = message
	close(st.replied)
}

func (st *stream) Serialize(fn func()) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn()
}
