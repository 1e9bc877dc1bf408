package progress

import "io"

// Reader calls onChunk after every successful Read, on the caller's goroutine.
type Reader struct {
	r       io.Reader
	onChunk func(n int)
}

func NewReader(r io.Reader, onChunk func(n int)) *Reader {
	return &Reader{r: r, onChunk: onChunk}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.onChunk(n)
	}
	return n, err
}

// Writer calls onChunk after every Write, on the caller's goroutine.
type Writer struct {
	w       io.Writer
	onChunk func(n int)
}

func NewWriter(w io.Writer, onChunk func(n int)) *Writer {
	return &Writer{w: w, onChunk: onChunk}
}

func (pw *Writer) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	if n > 0 {
		pw.onChunk(n)
	}
	return n, err
}
