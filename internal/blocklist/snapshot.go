package blocklist

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/dnaka91/veto/internal/domain"
)

// Snapshot wire format: magic, version, big-endian u32 entry count, then per
// entry a family tag (4 or 6), the raw address bytes, a u16 rule-name length
// with UTF-8 bytes, and the expiration as signed unix seconds.
const (
	snapshotMagic   = "VETO"
	snapshotVersion = 0x01

	familyV4 = 4
	familyV6 = 6
)

// EncodeSnapshot serializes blocklist entries into the snapshot format.
func EncodeSnapshot(entries []domain.BlockEntry) []byte {
	var buf bytes.Buffer

	buf.WriteString(snapshotMagic)
	buf.WriteByte(snapshotVersion)
	binary.Write(&buf, binary.BigEndian, uint32(len(entries)))

	for _, entry := range entries {
		addr := entry.Addr.Unmap()
		if addr.Is4() {
			buf.WriteByte(familyV4)
			b := addr.As4()
			buf.Write(b[:])
		} else {
			buf.WriteByte(familyV6)
			b := addr.As16()
			buf.Write(b[:])
		}

		name := []byte(entry.Rule)
		binary.Write(&buf, binary.BigEndian, uint16(len(name)))
		buf.Write(name)

		binary.Write(&buf, binary.BigEndian, entry.ExpiresAt.Unix())
	}

	return buf.Bytes()
}

// DecodeSnapshot parses a snapshot back into blocklist entries. Any
// malformed input yields ErrSnapshotDecode; callers treat that as a missing
// snapshot, never as fatal.
func DecodeSnapshot(data []byte) ([]domain.BlockEntry, error) {
	buf := bytes.NewReader(data)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(buf, magic); err != nil || string(magic) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", domain.ErrSnapshotDecode)
	}

	version, err := buf.ReadByte()
	if err != nil || version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", domain.ErrSnapshotDecode, version)
	}

	var count uint32
	if err := binary.Read(buf, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: truncated header", domain.ErrSnapshotDecode)
	}

	entries := make([]domain.BlockEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		family, err := buf.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated entry", domain.ErrSnapshotDecode)
		}

		var addr netip.Addr
		switch family {
		case familyV4:
			var b [4]byte
			if _, err := io.ReadFull(buf, b[:]); err != nil {
				return nil, fmt.Errorf("%w: truncated address", domain.ErrSnapshotDecode)
			}
			addr = netip.AddrFrom4(b)
		case familyV6:
			var b [16]byte
			if _, err := io.ReadFull(buf, b[:]); err != nil {
				return nil, fmt.Errorf("%w: truncated address", domain.ErrSnapshotDecode)
			}
			addr = netip.AddrFrom16(b)
		default:
			return nil, fmt.Errorf("%w: unknown address family %d", domain.ErrSnapshotDecode, family)
		}

		var nameLen uint16
		if err := binary.Read(buf, binary.BigEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("%w: truncated rule name", domain.ErrSnapshotDecode)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(buf, name); err != nil {
			return nil, fmt.Errorf("%w: truncated rule name", domain.ErrSnapshotDecode)
		}

		var expires int64
		if err := binary.Read(buf, binary.BigEndian, &expires); err != nil {
			return nil, fmt.Errorf("%w: truncated expiration", domain.ErrSnapshotDecode)
		}

		entries = append(entries, domain.BlockEntry{
			Addr:      addr,
			Rule:      string(name),
			ExpiresAt: time.Unix(expires, 0),
		})
	}

	return entries, nil
}

// SnapshotFile is the snapshot's file name inside the state directory.
const SnapshotFile = "blocklist.bin"

// Store persists snapshots under the state directory.
type Store struct {
	path string
}

// NewStore creates a store writing to dir/blocklist.bin.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, SnapshotFile)}
}

// Write atomically replaces the snapshot on disk.
func (s *Store) Write(entries []domain.BlockEntry) error {
	if err := renameio.WriteFile(s.path, EncodeSnapshot(entries), 0o600); err != nil {
		return fmt.Errorf("write snapshot %s: %w", s.path, err)
	}

	return nil
}

// Load reads the snapshot from disk. A missing file is not an error and
// yields no entries.
func (s *Store) Load() ([]domain.BlockEntry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", s.path, err)
	}

	return DecodeSnapshot(data)
}
