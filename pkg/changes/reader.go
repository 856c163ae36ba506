package changes

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
)

// Reader reads entries from a sequence of segment files
type Reader struct {
	files   []string
	current int
	fd      *os.File
}

// NewReader creates a reader over the given segments
func NewReader(files []string) *Reader {
	return &Reader{files: files}
}

// Open opens the first segment
func (r *Reader) Open() error {
	if len(r.files) == 0 {
		return nil
	}
	fd, err := os.Open(r.files[0])
	if err != nil {
		return err
	}
	r.fd = fd
	return nil
}

// Next returns the next entry, or io.EOF after the last segment
func (r *Reader) Next() (*Entry, error) {
	for {
		if r.fd == nil {
			return nil, io.EOF
		}
		entry, _, err := readEntry(r.fd)
		if err == nil {
			return entry, nil
		}
		if err == io.EOF {
			if err := r.nextFile(); err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}
}

func (r *Reader) nextFile() error {
	if r.fd != nil {
		r.fd.Close()
		r.fd = nil
	}
	r.current++
	if r.current >= len(r.files) {
		return io.EOF
	}
	fd, err := os.Open(r.files[r.current])
	if err != nil {
		return err
	}
	r.fd = fd
	return nil
}

// Close closes the reader
func (r *Reader) Close() error {
	if r.fd != nil {
		err := r.fd.Close()
		r.fd = nil
		return err
	}
	return nil
}

// ReadAll reads every entry from every segment
func ReadAll(files []string) ([]*Entry, error) {
	reader := NewReader(files)
	if err := reader.Open(); err != nil {
		return nil, err
	}
	defer reader.Close()

	var entries []*Entry
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
}

// readEntry reads one entry and reports its encoded size. A clean end of
// input returns io.EOF; a partial record returns ErrTruncated.
func readEntry(r io.Reader) (*Entry, int, error) {
	header := make([]byte, EntryHeaderSize)
	if n, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF && n == 0 {
			return nil, 0, io.EOF
		}
		return nil, n, ErrTruncated
	}

	idLen := binary.LittleEndian.Uint32(header[24:28])
	bodyLen := binary.LittleEndian.Uint32(header[28:32])
	size := EntryHeaderSize + int(idLen) + int(bodyLen) + 4
	if idLen > MaxDocIDSize || bodyLen > MaxBodySize {
		return nil, size, ErrCorrupted
	}

	data := make([]byte, size)
	copy(data, header)
	if _, err := io.ReadFull(r, data[EntryHeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, size, ErrTruncated
		}
		return nil, size, err
	}

	entry, err := DecodeEntry(data)
	return entry, size, err
}
