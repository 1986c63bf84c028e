package protocol

import (
	"errors"
	"io"
	"sync"
	"time"
)

// DecoderStats counts stream damage seen by a Decoder
type DecoderStats struct {
	Reports uint32 // reports delivered
	Resyncs uint32 // times framing was lost and searched for again
	Dropped uint32 // messages missing from the sequence
	Invalid uint32 // well-framed messages whose payload did not parse
}

// Decoder splits a byte stream into reports. It keeps partial messages
// between calls and resynchronises on the sync byte after a bad length,
// trailer or CRC.
type Decoder struct {
	buf     *FifoBuffer
	synced  bool
	nextSeq int // -1 until the first message
	stats   DecoderStats
}

func NewDecoder() *Decoder {
	return &Decoder{
		buf:     NewFifoBuffer(4 * MessageMax),
		synced:  true,
		nextSeq: -1,
	}
}

// Feed buffers p and returns the reports it completes.
func (d *Decoder) Feed(p []byte) []Report {
	var out []Report
	for len(p) > 0 {
		n := d.buf.Write(p)
		p = p[n:]
		out = d.process(out)
		if n == 0 && d.buf.Free() == 0 {
			// a full buffer that parses to nothing is garbage
			d.buf.Reset()
			d.desync()
		}
	}
	return out
}

func (d *Decoder) Stats() DecoderStats {
	return d.stats
}

func (d *Decoder) desync() {
	if d.synced {
		d.stats.Resyncs++
	}
	d.synced = false
}

func (d *Decoder) process(out []Report) []Report {
	data := d.buf.Data()

	for len(data) > 0 {
		if !d.synced {
			i := indexSync(data)
			if i < 0 {
				data = nil
				break
			}
			data = data[i+1:]
			d.synced = true
			continue
		}

		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}
		if len(data) < MessageLengthMin {
			break
		}

		msgLen := int(data[MessagePositionLen])
		if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
			d.desync()
			continue
		}
		seq := data[MessagePositionSeq]
		if seq&^MessageSeqMask != MessageDest {
			d.desync()
			continue
		}
		if len(data) < msgLen {
			break
		}
		if data[msgLen-MessageTrailerSync] != MessageValueSync {
			d.desync()
			continue
		}
		frameCRC := uint16(data[msgLen-MessageTrailerCRC])<<8 |
			uint16(data[msgLen-MessageTrailerCRC+1])
		if frameCRC != CRC16(data[:msgLen-MessageTrailerSize]) {
			d.desync()
			continue
		}

		payload := data[MessageHeaderSize : msgLen-MessageTrailerSize]
		data = data[msgLen:]

		d.track(seq)
		r, err := ParseReport(seq, payload)
		if err != nil {
			d.stats.Invalid++
			continue
		}
		d.stats.Reports++
		out = append(out, r)
	}

	if consumed := d.buf.Available() - len(data); consumed > 0 {
		d.buf.Pop(consumed)
	}
	return out
}

// track counts messages skipped by the 4-bit sequence counter.
func (d *Decoder) track(seq uint8) {
	seq &= MessageSeqMask
	if d.nextSeq >= 0 {
		d.stats.Dropped += uint32((int(seq) - d.nextSeq) & MessageSeqMask)
	}
	d.nextSeq = int(seq+1) & MessageSeqMask
}

func indexSync(data []byte) int {
	for i, b := range data {
		if b == MessageValueSync {
			return i
		}
	}
	return -1
}

// Stream decodes reports from a port on a background goroutine.
type Stream struct {
	port io.ReadCloser

	mu  sync.Mutex
	dec *Decoder
	err error

	reports  chan Report
	stopChan chan struct{}
	doneChan chan struct{}
	once     sync.Once
}

// NewStream starts reading from port. The Reports channel is closed when
// the port reaches EOF or the stream is closed.
func NewStream(port io.ReadCloser) *Stream {
	s := &Stream{
		port:     port,
		dec:      NewDecoder(),
		reports:  make(chan Report, 64),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Stream) Reports() <-chan Report {
	return s.reports
}

// Stats returns the decoder counters.
func (s *Stream) Stats() DecoderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dec.Stats()
}

// Err returns the read error that ended the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) readLoop() {
	defer close(s.doneChan)
	defer close(s.reports)

	buffer := make([]byte, 256)
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		n, err := s.port.Read(buffer)
		if n > 0 {
			s.mu.Lock()
			reports := s.dec.Feed(buffer[:n])
			s.mu.Unlock()
			for _, r := range reports {
				select {
				case s.reports <- r:
				case <-s.stopChan:
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-s.stopChan:
				return
			default:
			}
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			// serial ports report transient errors; back off and retry
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// Close stops the reader and closes the port.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stopChan)
		err = s.port.Close()
		<-s.doneChan
	})
	return err
}
