package audio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrDecode marks a malformed Ogg/Opus container.
var ErrDecode = errors.New("malformed ogg opus stream")

const (
	pageHeaderLen   = 27
	flagContinued   = 0x01
	flagEndOfStream = 0x04
)

var (
	capturePattern = []byte("OggS")
	opusHead       = []byte("OpusHead")
	opusTags       = []byte("OpusTags")
)

// Frame is one Opus packet in decode order.
type Frame struct {
	Index   int
	Payload []byte
}

// FrameReader demuxes Opus packets out of an Ogg stream read sequentially.
type FrameReader struct {
	r       *bufio.Reader
	pending [][]byte
	partial []byte
	eos     bool
	index   int
	tags    bool
}

// NewFrameReader reads up to the identification header and fails with
// ErrDecode if src is not an Ogg Opus stream.
func NewFrameReader(src io.Reader) (*FrameReader, error) {
	fr := &FrameReader{r: bufio.NewReader(src)}
	head, err := fr.nextPacket()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty stream", ErrDecode)
		}
		return nil, err
	}
	if len(head) < 19 || !bytes.HasPrefix(head, opusHead) {
		return nil, fmt.Errorf("%w: missing OpusHead", ErrDecode)
	}
	return fr, nil
}

// Next returns the next audio frame, or io.EOF after the last one.
func (f *FrameReader) Next() (Frame, error) {
	for {
		packet, err := f.nextPacket()
		if err != nil {
			return Frame{}, err
		}
		if !f.tags && bytes.HasPrefix(packet, opusTags) {
			f.tags = true
			continue
		}
		f.tags = true
		frame := Frame{Index: f.index, Payload: packet}
		f.index++
		return frame, nil
	}
}

func (f *FrameReader) nextPacket() ([]byte, error) {
	for len(f.pending) == 0 {
		if f.eos {
			return nil, io.EOF
		}
		if err := f.readPage(); err != nil {
			return nil, err
		}
	}
	packet := f.pending[0]
	f.pending = f.pending[1:]
	return packet, nil
}

func (f *FrameReader) readPage() error {
	var header [pageHeaderLen]byte
	if _, err := io.ReadFull(f.r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			f.eos = true
			return nil
		}
		return fmt.Errorf("%w: page header: %w", ErrDecode, err)
	}
	if !bytes.Equal(header[:4], capturePattern) {
		return fmt.Errorf("%w: bad capture pattern", ErrDecode)
	}
	if header[4] != 0 {
		return fmt.Errorf("%w: unsupported version %d", ErrDecode, header[4])
	}
	headerType := header[5]

	segments := make([]byte, header[26])
	if _, err := io.ReadFull(f.r, segments); err != nil {
		return fmt.Errorf("%w: segment table: %w", ErrDecode, err)
	}
	size := 0
	for _, lace := range segments {
		size += int(lace)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return fmt.Errorf("%w: page body: %w", ErrDecode, err)
	}

	if headerType&flagContinued == 0 {
		f.partial = nil
	}
	offset := 0
	for _, lace := range segments {
		f.partial = append(f.partial, payload[offset:offset+int(lace)]...)
		offset += int(lace)
		if lace < 255 {
			f.pending = append(f.pending, f.partial)
			f.partial = nil
		}
	}
	if headerType&flagEndOfStream != 0 {
		f.eos = true
	}
	return nil
}
