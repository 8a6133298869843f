package store

import (
	"context"
	"io"
	"sync"

	"github.com/alitto/pond"
)

// ringBuffer is the bounded buffer shared by one reader and up to two
// writers in twoSinkCopy (spec §5, "the two-sink copier"). Each sink
// keeps its own logical read cursor into the same backing slice; the
// reader only blocks when the slowest sink's cursor has fallen behind
// by a full buffer's worth of unread data, and a sink only blocks when its
// cursor has caught up to the writer and EOF has not been reached.
//
// This is a ring only in the sense that the backing slice is reused
// once every sink has consumed past a window; we implement that by
// compacting rather than wrapping indices, which keeps the cursor
// arithmetic simple for the (at most 2-sink) fan-out this type exists
// for.
type ringBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	cap  int
	buf  []byte
	base int64 // absolute offset of buf[0]

	written int64
	sinks   int
	cursors []int64
	err     error // sticky read-side error, nil until source fails or closes
	done    bool  // source exhausted (EOF) or failed
}

func newRingBuffer(capacity, sinks int) *ringBuffer {
	r := &ringBuffer{cap: capacity, sinks: sinks, cursors: make([]int64, sinks)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// minCursor returns the smallest read cursor across all sinks, i.e.
// how far back the reader must keep data available.
func (r *ringBuffer) minCursor() int64 {
	m := r.written
	for _, c := range r.cursors {
		if c < m {
			m = c
		}
	}
	return m
}

func (r *ringBuffer) write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(p) > 0 {
		for r.written-r.minCursor() >= int64(r.cap) {
			r.cond.Wait() // full: wait for a writer to post write_done
		}
		// compact consumed bytes out of buf
		if off := r.minCursor() - r.base; off > 0 {
			r.buf = r.buf[off:]
			r.base += off
		}
		n := len(p)
		if room := r.cap - len(r.buf); n > room {
			n = room
		}
		r.buf = append(r.buf, p[:n]...)
		r.written += int64(n)
		p = p[n:]
		r.cond.Broadcast() // read_done
	}
}

func (r *ringBuffer) closeSource(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	r.err = err
	r.cond.Broadcast()
}

// read services sink index i, copying into p starting at that sink's
// cursor. Returns io.EOF once the source is closed and the cursor has
// drained all written bytes.
func (r *ringBuffer) read(i int, p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.cursors[i] >= r.written {
		if r.done {
			if r.err != nil {
				return 0, r.err
			}
			return 0, io.EOF
		}
		r.cond.Wait() // await read_done
	}
	off := r.cursors[i] - r.base
	n := copy(p, r.buf[off:])
	r.cursors[i] += int64(n)
	r.cond.Broadcast() // write_done
	return n, nil
}

// twoSinkCopy streams src into one or two destinations concurrently,
// returning the total bytes copied. It is cancellable: if ctx is
// cancelled mid-copy, all goroutines unwind and an error is returned;
// callers are responsible for removing partial output (§5,
// "on cancel, threads join and partial outputs are removed").
func twoSinkCopy(ctx context.Context, pool *pond.WorkerPool, src io.Reader, dsts ...io.Writer) (int64, error) {
	if len(dsts) == 0 {
		return io.Copy(io.Discard, src)
	}
	if len(dsts) == 1 {
		return copyOne(ctx, dsts[0], src)
	}

	rb := newRingBuffer(256*1024, len(dsts))
	var wg sync.WaitGroup
	errs := make([]error, len(dsts))
	counts := make([]int64, len(dsts))

	for i, dst := range dsts {
		i, dst := i, dst
		wg.Add(1)
		submit := func() {
			defer wg.Done()
			buf := make([]byte, 32*1024)
			sink := &sinkReader{rb: rb, idx: i}
			n, err := io.CopyBuffer(dst, sink, buf)
			counts[i] = n
			if err != nil {
				errs[i] = err
			}
		}
		if pool != nil {
			pool.Submit(submit)
		} else {
			go submit()
		}
	}

	readBuf := make([]byte, 32*1024)
	var total int64
	var readErr error
readLoop:
	for {
		select {
		case <-ctx.Done():
			readErr = ctx.Err()
			break readLoop
		default:
		}
		n, err := src.Read(readBuf)
		if n > 0 {
			rb.write(readBuf[:n])
			total += int64(n)
		}
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
	}
	rb.closeSource(readErr)
	wg.Wait()

	for _, e := range errs {
		if e != nil && e != io.EOF {
			return total, e
		}
	}
	if readErr != nil {
		return total, readErr
	}
	return total, nil
}

func copyOne(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		n, err := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

// sinkReader adapts one ringBuffer cursor to io.Reader.
type sinkReader struct {
	rb  *ringBuffer
	idx int
}

func (s *sinkReader) Read(p []byte) (int, error) {
	return s.rb.read(s.idx, p)
}
