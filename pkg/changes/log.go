package changes

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMaxFileSize is the size at which a segment is rotated (64MB)
	DefaultMaxFileSize = 64 << 20
)

// Record is one document change handed to Append
type Record struct {
	Op    Op
	DocID string
	Body  []byte
}

// Log is the segmented, append-only change log. Segments are named
// <base>.000, <base>.001, ... next to Path.
type Log struct {
	// Path is the base path for segment files (e.g. "/data/docs.log")
	Path string

	// MaxFileSize rotates to a new segment once exceeded; zero uses DefaultMaxFileSize
	MaxFileSize int64

	// MaxFiles bounds the number of segments kept on rotation; zero keeps
	// every segment so the log can always be replayed from sequence zero
	MaxFiles int

	// SyncWrites fsyncs each appended batch before Append returns
	SyncWrites bool

	mu        sync.Mutex
	fd        *os.File
	seq       uint64
	batch     uint64
	fileSize  int64
	fileIndex int
	closed    bool
	opened    bool
	torn      int64
}

// Open opens or creates the log. A torn or uncommitted tail in the newest
// segment, left by a crash mid-append, is truncated away; corruption
// anywhere else fails with ErrCorrupted.
func (l *Log) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.Path), 0755); err != nil {
		return err
	}

	files, err := l.findLogFiles()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		fd, err := os.OpenFile(l.logFilePath(0), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		l.fd = fd
		l.fileSize = 0
		l.fileIndex = 0
	} else {
		for i, file := range files {
			last := i == len(files)-1
			scan, err := scanSegment(file)
			if err != nil && !(last && isTornTail(err)) {
				return fmt.Errorf("%s: %w", filepath.Base(file), err)
			}
			if scan.lastSeq > l.seq {
				l.seq = scan.lastSeq
			}
			if scan.lastBatch > l.batch {
				l.batch = scan.lastBatch
			}
			if last {
				l.torn = scan.size - scan.committed
				if l.torn > 0 {
					if err := os.Truncate(file, scan.committed); err != nil {
						return err
					}
				}
				l.fileSize = scan.committed
			}
		}

		latest := files[len(files)-1]
		fd, err := os.OpenFile(latest, os.O_RDWR|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		l.fd = fd
		if _, err := fmt.Sscanf(filepath.Base(latest), l.baseName()+".%d", &l.fileIndex); err != nil {
			l.fileIndex = len(files) - 1
		}
	}

	l.closed = false
	l.opened = true
	return nil
}

// LastSeq returns the sequence number of the last committed record
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// TornBytes reports how many bytes of incomplete tail Open discarded
func (l *Log) TornBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.torn
}

// Append writes records as one batch followed by a commit marker. Records
// receive contiguous sequence numbers; the first one is returned.
func (l *Log) Append(records []Record) (uint64, error) {
	if len(records) == 0 {
		return 0, errors.New("changes: empty batch")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.opened {
		return 0, ErrLogClosed
	}

	now := time.Now()
	batch := l.batch + 1
	first := l.seq + 1
	var buf []byte
	for i, rec := range records {
		if rec.Op != OpPut && rec.Op != OpDelete {
			return 0, ErrInvalidEntry
		}
		if len(rec.DocID) > MaxDocIDSize || len(rec.Body) > MaxBodySize {
			return 0, fmt.Errorf("changes: record for %q exceeds size limits", rec.DocID)
		}
		entry := Entry{
			Seq:       first + uint64(i),
			BatchID:   batch,
			Op:        rec.Op,
			DocID:     rec.DocID,
			Body:      rec.Body,
			Timestamp: now,
		}
		buf = append(buf, entry.Encode()...)
	}
	last := first + uint64(len(records)) - 1
	commit := Entry{Seq: last, BatchID: batch, Op: OpCommit, Timestamp: now}
	buf = append(buf, commit.Encode()...)

	if l.fileSize > 0 && l.fileSize+int64(len(buf)) > l.maxFileSize() {
		if err := l.rotateNoLock(); err != nil {
			return 0, err
		}
	}

	n, err := l.fd.Write(buf)
	l.fileSize += int64(n)
	if err != nil {
		// Leave a clean boundary so the next batch is not glued to a partial one
		if terr := l.fd.Truncate(l.fileSize - int64(n)); terr == nil {
			l.fileSize -= int64(n)
		}
		return 0, err
	}
	if l.SyncWrites {
		if err := l.fd.Sync(); err != nil {
			return 0, err
		}
	}

	l.seq = last
	l.batch = batch
	return first, nil
}

// Sync flushes the current segment to disk
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.opened {
		return ErrLogClosed
	}
	return l.fd.Sync()
}

// Close closes the log
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.opened {
		return nil
	}

	syncErr := l.fd.Sync()
	err := l.fd.Close()
	l.closed = true
	if syncErr != nil {
		return syncErr
	}
	return err
}

// Files returns the segment files in order
func (l *Log) Files() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.findLogFiles()
}

func (l *Log) maxFileSize() int64 {
	if l.MaxFileSize > 0 {
		return l.MaxFileSize
	}
	return DefaultMaxFileSize
}

// rotateNoLock moves to a new segment (caller must hold mu)
func (l *Log) rotateNoLock() error {
	if err := l.fd.Sync(); err != nil {
		return err
	}
	if err := l.fd.Close(); err != nil {
		return err
	}

	l.fileIndex++
	fd, err := os.OpenFile(l.logFilePath(l.fileIndex), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	l.fd = fd
	l.fileSize = 0

	return l.cleanOldLogsNoLock()
}

// cleanOldLogsNoLock enforces MaxFiles (caller must hold mu)
func (l *Log) cleanOldLogsNoLock() error {
	if l.MaxFiles <= 0 {
		return nil
	}
	files, err := l.findLogFiles()
	if err != nil {
		return err
	}
	if len(files) > l.MaxFiles {
		for _, f := range files[:len(files)-l.MaxFiles] {
			os.Remove(f)
		}
	}
	return nil
}

func (l *Log) baseName() string {
	return filepath.Base(l.Path)
}

func (l *Log) logFilePath(index int) string {
	return filepath.Join(filepath.Dir(l.Path), fmt.Sprintf("%s.%03d", l.baseName(), index))
}

// findLogFiles returns all segments sorted by index
func (l *Log) findLogFiles() ([]string, error) {
	dir := filepath.Dir(l.Path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type segment struct {
		path  string
		index int
	}
	var segments []segment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if index, ok := l.segmentIndex(entry.Name()); ok {
			segments = append(segments, segment{filepath.Join(dir, entry.Name()), index})
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].index < segments[j].index })

	files := make([]string, len(segments))
	for i, s := range segments {
		files[i] = s.path
	}
	return files, nil
}

func (l *Log) segmentIndex(name string) (int, bool) {
	var index int
	var rest string
	n, _ := fmt.Sscanf(name, l.baseName()+".%d%s", &index, &rest)
	if n != 1 {
		return 0, false
	}
	return index, name == fmt.Sprintf("%s.%03d", l.baseName(), index)
}

// segmentScan summarizes one segment file
type segmentScan struct {
	size      int64
	valid     int64 // end of the last decodable record
	committed int64 // end of the last commit marker
	lastSeq   uint64
	lastBatch uint64
}

// scanSegment reads every record of a segment, tracking the committed prefix
func scanSegment(path string) (segmentScan, error) {
	var scan segmentScan

	fd, err := os.Open(path)
	if err != nil {
		return scan, err
	}
	defer fd.Close()

	stat, err := fd.Stat()
	if err != nil {
		return scan, err
	}
	scan.size = stat.Size()

	for {
		entry, n, err := readEntry(fd)
		if err == io.EOF {
			return scan, nil
		}
		if err != nil {
			if errors.Is(err, ErrCorrupted) && scan.valid+int64(n) < scan.size {
				return scan, err
			}
			return scan, ErrTruncated
		}
		scan.valid += int64(n)
		if entry.Op == OpCommit {
			scan.committed = scan.valid
			scan.lastSeq = entry.Seq
			scan.lastBatch = entry.BatchID
		}
	}
}

func isTornTail(err error) bool {
	return errors.Is(err, ErrTruncated)
}
