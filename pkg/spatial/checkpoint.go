// ABOUTME: Snapshot checkpoints persisted as snappy-compressed, CRC-checked files
// ABOUTME: Lets an index resume from its last update sequence instead of seq 0

package spatial

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"

	serrors "github.com/nainya/spatialstore/internal/errors"
)

const (
	checkpointMagic   = "SPCK"
	checkpointVersion = 1

	// CheckpointHeaderSize is the fixed header size
	// Layout: Magic(4) + Version(4) + UpdateSeq(8) + NextID(8) + PayloadLen(4) + CRC32(4)
	CheckpointHeaderSize = 32

	// CheckpointExt is the file extension of checkpoint files
	CheckpointExt = ".idx"
)

// Checkpoint is the decoded content of a checkpoint file
type Checkpoint struct {
	Name      string   `json:"name"`
	Signature string   `json:"signature"`
	UpdateSeq uint64   `json:"-"`
	NextID    uint64   `json:"-"`
	Entries   []*Entry `json:"entries"`
}

// CheckpointPath returns <dir>/<name>.<signature>.idx
func CheckpointPath(dir, name, signature string) string {
	return filepath.Join(dir, name+"."+signature+CheckpointExt)
}

// WriteCheckpoint persists a snapshot atomically: the data goes to a
// temporary file which is synced and renamed over the destination.
func WriteCheckpoint(path string, snap *Snapshot) error {
	cp := Checkpoint{
		Name:      snap.Name(),
		Signature: snap.Signature(),
		Entries:   make([]*Entry, 0, snap.Len()),
	}
	snap.Entries(func(e *Entry) bool {
		cp.Entries = append(cp.Entries, e)
		return true
	})

	payload, err := json.Marshal(cp)
	if err != nil {
		return serrors.NewStorageError(serrors.CodeCheckpointFailed, "encode checkpoint", err)
	}
	compressed := snappy.Encode(nil, payload)

	buf := make([]byte, CheckpointHeaderSize+len(compressed))
	copy(buf[0:4], checkpointMagic)
	binary.LittleEndian.PutUint32(buf[4:8], checkpointVersion)
	binary.LittleEndian.PutUint64(buf[8:16], snap.UpdateSeq())
	binary.LittleEndian.PutUint64(buf[16:24], snap.nextID)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(buf[28:32], crc32.ChecksumIEEE(compressed))
	copy(buf[CheckpointHeaderSize:], compressed)

	if err := writeFileSync(path, buf); err != nil {
		return serrors.NewStorageError(serrors.CodeCheckpointFailed, "write checkpoint "+path, err)
	}
	return nil
}

// ReadCheckpoint loads and verifies a checkpoint file
func ReadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if len(data) < CheckpointHeaderSize || string(data[0:4]) != checkpointMagic {
		return nil, corrupted(path, "bad header")
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != checkpointVersion {
		return nil, corrupted(path, fmt.Sprintf("unsupported version %d", v))
	}

	payloadLen := int(binary.LittleEndian.Uint32(data[24:28]))
	compressed := data[CheckpointHeaderSize:]
	if len(compressed) != payloadLen {
		return nil, corrupted(path, "truncated payload")
	}
	if crc32.ChecksumIEEE(compressed) != binary.LittleEndian.Uint32(data[28:32]) {
		return nil, corrupted(path, "checksum mismatch")
	}

	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, serrors.NewStorageError(serrors.CodeCorrupted, "decompress checkpoint "+path, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, serrors.NewStorageError(serrors.CodeCorrupted, "decode checkpoint "+path, err)
	}
	cp.UpdateSeq = binary.LittleEndian.Uint64(data[8:16])
	cp.NextID = binary.LittleEndian.Uint64(data[16:24])
	return &cp, nil
}

// RestoreIndex creates an index holding the checkpointed entries. The
// checkpoint must have been written for the same definition signature.
func RestoreIndex(opts Options, cp *Checkpoint) (*Index, error) {
	if cp.Signature != opts.Signature {
		return nil, fmt.Errorf("checkpoint signature %s does not match %s", cp.Signature, opts.Signature)
	}
	idx := NewIndex(opts)
	idx.restore(cp.Entries, cp.UpdateSeq, cp.NextID)
	return idx, nil
}

// LoadIndex restores the checkpoint for (name, signature) from dir. A missing
// file is not an error: found is false and a caller builds from scratch.
func LoadIndex(dir string, opts Options) (idx *Index, found bool, err error) {
	cp, err := ReadCheckpoint(CheckpointPath(dir, opts.Name, opts.Signature))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	idx, err = RestoreIndex(opts, cp)
	if err != nil {
		return nil, false, err
	}
	return idx, true, nil
}

// RemoveCheckpoints deletes the checkpoints of an index except the one for
// keepSignature (pass "" to delete all of them).
func RemoveCheckpoints(dir, name, keepSignature string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	prefix := name + "."
	for _, entry := range entries {
		fname := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(fname, prefix) || !strings.HasSuffix(fname, CheckpointExt) {
			continue
		}
		sig := strings.TrimSuffix(strings.TrimPrefix(fname, prefix), CheckpointExt)
		if sig == keepSignature || strings.Contains(sig, ".") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, fname)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func corrupted(path, msg string) error {
	return serrors.NewStorageError(serrors.CodeCorrupted, "checkpoint "+path+": "+msg, nil)
}

// writeFileSync writes data to a temp file, fsyncs it, renames it into place
// and fsyncs the directory so the rename itself is durable.
func writeFileSync(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	dirfd, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer dirfd.Close()
	if err := dirfd.Sync(); err != nil {
		return fmt.Errorf("fsync directory: %w", err)
	}
	return nil
}
