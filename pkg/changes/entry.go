package changes

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// Op is the kind of a change log record
type Op byte

const (
	// OpPut stores a document body
	OpPut Op = 1

	// OpDelete removes a document
	OpDelete Op = 2

	// OpCommit closes a batch; records of a batch without one are never replayed
	OpCommit Op = 3
)

const (
	// EntryHeaderSize is the fixed size of the entry header
	// Layout: Seq(8) + BatchID(8) + Op(1) + Reserved(7) + IDLen(4) + BodyLen(4) + Timestamp(8)
	EntryHeaderSize = 40

	// MaxDocIDSize bounds a document id on disk
	MaxDocIDSize = 1 << 16

	// MaxBodySize bounds a document body on disk
	MaxBodySize = 64 << 20
)

// Entry is a single change log record. Put and delete entries carry the
// document sequence number; a commit entry repeats the last sequence of
// its batch.
type Entry struct {
	Seq       uint64
	BatchID   uint64
	Op        Op
	DocID     string
	Body      []byte
	Timestamp time.Time
}

// Encode serializes the entry with a trailing CRC32
// Format: [Header(40)] [DocID] [Body] [CRC32(4)]
func (e *Entry) Encode() []byte {
	idLen := len(e.DocID)
	bodyLen := len(e.Body)
	buf := make([]byte, EntryHeaderSize+idLen+bodyLen+4)

	binary.LittleEndian.PutUint64(buf[0:8], e.Seq)
	binary.LittleEndian.PutUint64(buf[8:16], e.BatchID)
	buf[16] = byte(e.Op)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(idLen))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(bodyLen))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(e.Timestamp.UnixNano()))

	offset := EntryHeaderSize
	copy(buf[offset:], e.DocID)
	offset += idLen
	copy(buf[offset:], e.Body)
	offset += bodyLen

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)
	return buf
}

// DecodeEntry deserializes an entry and verifies its checksum
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderSize+4 {
		return nil, ErrTruncated
	}

	idLen := int(binary.LittleEndian.Uint32(data[24:28]))
	bodyLen := int(binary.LittleEndian.Uint32(data[28:32]))
	size := EntryHeaderSize + idLen + bodyLen + 4
	if len(data) < size {
		return nil, ErrTruncated
	}
	data = data[:size]

	stored := binary.LittleEndian.Uint32(data[size-4:])
	if stored != crc32.ChecksumIEEE(data[:size-4]) {
		return nil, ErrCorrupted
	}

	entry := &Entry{
		Seq:       binary.LittleEndian.Uint64(data[0:8]),
		BatchID:   binary.LittleEndian.Uint64(data[8:16]),
		Op:        Op(data[16]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(data[32:40]))),
	}
	switch entry.Op {
	case OpPut, OpDelete, OpCommit:
	default:
		return nil, ErrInvalidEntry
	}

	offset := EntryHeaderSize
	entry.DocID = string(data[offset : offset+idLen])
	offset += idLen
	if bodyLen > 0 {
		entry.Body = make([]byte, bodyLen)
		copy(entry.Body, data[offset:offset+bodyLen])
	}
	return entry, nil
}

// Size returns the encoded size of the entry
func (e *Entry) Size() int {
	return EntryHeaderSize + len(e.DocID) + len(e.Body) + 4
}

func (e *Entry) String() string {
	name := "UNKNOWN"
	switch e.Op {
	case OpPut:
		name = "PUT"
	case OpDelete:
		name = "DELETE"
	case OpCommit:
		name = "COMMIT"
	}
	return fmt.Sprintf("change[seq=%d batch=%d op=%s doc=%q body=%dB]",
		e.Seq, e.BatchID, name, e.DocID, len(e.Body))
}
