package llmproxy

import "bytes"

var sseDoneMarker = []byte("[DONE]")

// sseLineBuffer reassembles server-sent-event `data:` payloads from a chunk
// stream. Chunk boundaries fall anywhere, so partial lines are buffered until
// their newline arrives.
type sseLineBuffer struct {
	pending bytes.Buffer
}

func newSSELineBuffer() *sseLineBuffer {
	return &sseLineBuffer{}
}

// Feed appends a chunk and invokes fn once per completed `data:` payload.
func (b *sseLineBuffer) Feed(chunk []byte, fn func(data []byte)) {
	b.pending.Write(chunk)

	for {
		buffered := b.pending.Bytes()
		idx := bytes.IndexByte(buffered, '\n')
		if idx < 0 {
			return
		}

		line := make([]byte, idx)
		copy(line, buffered[:idx])
		b.pending.Next(idx + 1)

		emitSSEData(line, fn)
	}
}

// Flush drains a trailing unterminated line, for upstreams that close the
// stream without a final newline.
func (b *sseLineBuffer) Flush(fn func(data []byte)) {
	if b.pending.Len() == 0 {
		return
	}
	line := make([]byte, b.pending.Len())
	copy(line, b.pending.Bytes())
	b.pending.Reset()

	emitSSEData(line, fn)
}

func emitSSEData(line []byte, fn func(data []byte)) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, []byte("data:")) {
		return
	}
	data := bytes.TrimSpace(line[len("data:"):])
	if len(data) == 0 {
		return
	}
	fn(data)
}
