package audio

import (
	"errors"
	"io"
)

var errNegativePosition = errors.New("negative seek position")

// writeSeeker is an in-memory io.WriteSeeker. The WAV encoder seeks back to patch
// chunk sizes once all samples are written.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}

	copy(w.buf[w.pos:end], p)
	w.pos = end

	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64

	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(w.pos) + offset
	case io.SeekEnd:
		next = int64(len(w.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}

	if next < 0 {
		return 0, errNegativePosition
	}

	w.pos = int(next)

	return next, nil
}

// Bytes returns the written data.
func (w *writeSeeker) Bytes() []byte {
	return w.buf
}
