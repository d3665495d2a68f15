package stream

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MaxPacketSize bounds packets accepted by Reader.
const MaxPacketSize = 1 << 20

// Writer writes packets prefixed by a 4-byte little-endian length.
type Writer struct {
	w    io.Writer
	lock sync.Mutex
}

// NewWriter creates a Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WritePacket implements PacketWriter.
func (p *Writer) WritePacket(pkt []byte) error {
	buf := make([]byte, 4+len(pkt))
	binary.LittleEndian.PutUint32(buf, uint32(len(pkt)))
	copy(buf[4:], pkt)
	p.lock.Lock()
	defer p.lock.Unlock()
	_, err := p.w.Write(buf)
	return err
}

// Close closes the underlying writer if it is an io.Closer.
func (p *Writer) Close() error {
	if c, ok := p.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Reader reads packets written by Writer.
type Reader struct {
	r io.Reader
}

// NewReader creates a Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadPacket implements PacketReader. It returns io.EOF at a clean end
// of stream.
func (p *Reader) ReadPacket() ([]byte, error) {
	var size uint32
	if err := binary.Read(p.r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if size > MaxPacketSize {
		return nil, fmt.Errorf("packet of %d bytes exceeds %d", size, MaxPacketSize)
	}
	pkt := make([]byte, size)
	if _, err := io.ReadFull(p.r, pkt); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return pkt, nil
}
