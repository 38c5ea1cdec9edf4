package reactor

import "bytes"

// ByteSink is the minimal capability an adapter needs from a byte-sink-like
// primitive (the writer half of a byte channel, in this repository's
// terms). PollReady/StartSend/PollFlush mirror the byte-stream state machine.
type ByteSink interface {
	PollReady() Outcome
	StartSend(b byte) error
	PollFlush() Outcome
}

// ByteSource is the minimal capability an adapter needs from a byte-stream
// primitive (the reader half of a byte channel).
type ByteSource struct {
	// Next polls for the next byte. On success it returns the byte with
	// outcome Done; done=true when the source is exhausted; a non-nil err
	// on failure. Pending is signalled by returning Pending as the Outcome.
	Next func() (b byte, outcome Outcome, done bool, err error)
}

// WriteAllString sends every byte of s into sink, one byte per successful
// poll, in order. Grounded on
// original_source/breactor/src/start_send_all_string.rs.
type WriteAllString struct {
	sink ByteSink
	s    string
	cur  int
	err  error
}

// NewWriteAllString constructs a Step that writes s into sink.
func NewWriteAllString(sink ByteSink, s string) *WriteAllString {
	return &WriteAllString{sink: sink, s: s}
}

// Poll implements Step.
func (w *WriteAllString) Poll() Outcome {
	for w.cur < len(w.s) {
		switch w.sink.PollReady() {
		case Pending:
			return Pending
		case Failed:
			return Failed
		}
		if err := w.sink.StartSend(w.s[w.cur]); err != nil {
			w.err = err
			return Failed
		}
		w.cur++
	}
	return Done
}

// Err returns the error that caused Poll to return Failed, if any.
func (w *WriteAllString) Err() error { return w.err }

// Pump reads from source and writes every byte into sink until source is
// exhausted, buffering at most one in-flight byte across polls. Grounded
// on original_source/breactor/src/start_send_all.rs.
type Pump struct {
	sink     ByteSink
	source   ByteSource
	buffered byte
	hasBuf   bool
	err      error
}

// NewPump constructs a Step that pumps bytes from source into sink.
func NewPump(sink ByteSink, source ByteSource) *Pump {
	return &Pump{sink: sink, source: source}
}

// Poll implements Step.
func (p *Pump) Poll() Outcome {
	for {
		if p.hasBuf {
			switch p.sink.PollReady() {
			case Pending:
				return Pending
			case Failed:
				return Failed
			}
			if err := p.sink.StartSend(p.buffered); err != nil {
				p.err = err
				return Failed
			}
			p.hasBuf = false
			continue
		}

		b, outcome, done, err := p.source.Next()
		if outcome == Pending {
			return Pending
		}
		if err != nil {
			p.err = err
			return Failed
		}
		if done {
			return Done
		}
		p.buffered = b
		p.hasBuf = true
	}
}

// Err returns the error that caused Poll to return Failed, if any.
func (p *Pump) Err() error { return p.err }

// TakeUntilError is the Adapter-kind failure taxonomy for TakeUntil.
type TakeUntilError int

const (
	_ TakeUntilError = iota
	// ErrBufferOverflow means the buffer filled without matching a delimiter.
	ErrBufferOverflow
	// ErrFinished means the source ended before a delimiter matched.
	ErrFinished
	// ErrStreamError means the source reported an error.
	ErrStreamError
)

func (e TakeUntilError) Error() string {
	switch e {
	case ErrBufferOverflow:
		return "reactor: take-until buffer overflow"
	case ErrFinished:
		return "reactor: take-until source finished without match"
	case ErrStreamError:
		return "reactor: take-until source error"
	default:
		return "reactor: take-until unknown error"
	}
}

// TakeUntil reads bytes from source into an internal bounded buffer,
// checking after each byte whether any delimiter is a suffix of the buffer
// so far. Grounded on original_source/dev/esp8266.rs's AT-response
// delimiter matching.
type TakeUntil struct {
	source     ByteSource
	buf        []byte
	delimiters [][]byte

	matched []byte
	err     error
}

// NewTakeUntil constructs a Step reading from source into a buffer of
// capacity bufCap, matching any of delimiters.
func NewTakeUntil(source ByteSource, bufCap int, delimiters ...string) *TakeUntil {
	delims := make([][]byte, len(delimiters))
	for i, d := range delimiters {
		delims[i] = []byte(d)
	}
	return &TakeUntil{
		source:     source,
		buf:        make([]byte, 0, bufCap),
		delimiters: delims,
	}
}

// Poll implements Step.
func (t *TakeUntil) Poll() Outcome {
	for {
		b, outcome, done, err := t.source.Next()
		if outcome == Pending {
			return Pending
		}
		if err != nil {
			t.err = ErrStreamError
			return Failed
		}
		if done {
			t.err = ErrFinished
			return Failed
		}

		if len(t.buf) == cap(t.buf) {
			t.err = ErrBufferOverflow
			return Failed
		}
		t.buf = append(t.buf, b)

		for _, d := range t.delimiters {
			if bytes.HasSuffix(t.buf, d) {
				t.matched = d
				return Done
			}
		}
	}
}

// Result returns the accumulated buffer and matched delimiter after Poll
// has returned Done.
func (t *TakeUntil) Result() (buf []byte, matched []byte) {
	return t.buf, t.matched
}

// Err returns the Adapter-kind error that caused Poll to return Failed.
func (t *TakeUntil) Err() error { return t.err }
