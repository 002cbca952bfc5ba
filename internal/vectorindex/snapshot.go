package vectorindex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"math"
	"strconv"

	"github.com/kailas-cloud/cxrag/internal/domain"
)

// Snapshot layout, little-endian:
//
//	magic "CXIX" | version u16 | metric u8 | dimension u32 | count u32
//	count × (id length u16 | id bytes | dimension × f32)
//	crc32 (IEEE) of all preceding bytes
const (
	snapshotMagic   = "CXIX"
	snapshotVersion = uint16(1)
	maxIDLen        = math.MaxUint16
)

var metricCodes = map[Metric]uint8{Euclidean: 1, Cosine: 2}

func metricFromCode(c uint8) (Metric, bool) {
	for m, code := range metricCodes {
		if code == c {
			return m, true
		}
	}
	return "", false
}

// WriteSnapshot serializes the visible generation to w.
func (ix *Index) WriteSnapshot(w io.Writer) error {
	g := ix.cur.Load()

	bw := bufio.NewWriter(w)
	crc := crc32.NewIEEE()
	out := io.MultiWriter(bw, crc)

	if _, err := io.WriteString(out, snapshotMagic); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	header := []any{
		snapshotVersion,
		metricCodes[ix.cfg.Metric],
		uint32(ix.cfg.Dimension), //nolint:gosec // validated positive at construction
		uint32(len(g.entries)),   //nolint:gosec // bounded by memory
	}
	for _, v := range header {
		if err := binary.Write(out, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write snapshot header: %w", err)
		}
	}

	for _, e := range g.entries {
		if len(e.CaseID) > maxIDLen {
			return fmt.Errorf("case id %q too long for snapshot: %w", e.CaseID[:32], domain.ErrInvalidInput)
		}
		if err := binary.Write(out, binary.LittleEndian, uint16(len(e.CaseID))); err != nil {
			return fmt.Errorf("write snapshot entry: %w", err)
		}
		if _, err := io.WriteString(out, e.CaseID); err != nil {
			return fmt.Errorf("write snapshot entry: %w", err)
		}
		if err := binary.Write(out, binary.LittleEndian, e.Vector); err != nil {
			return fmt.Errorf("write snapshot entry: %w", err)
		}
	}

	if err := binary.Write(bw, binary.LittleEndian, crc.Sum32()); err != nil {
		return fmt.Errorf("write snapshot checksum: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot decodes a snapshot written by WriteSnapshot. A snapshot produced
// under a different dimension or metric than cfg fails with an
// IndexVersionMismatchError; a damaged one fails with ErrSnapshotCorrupt.
func ReadSnapshot(r io.Reader, cfg Config) ([]Entry, error) {
	crc := crc32.NewIEEE()
	in := io.TeeReader(bufio.NewReader(r), crc)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(in, magic); err != nil {
		return nil, corrupt("read magic", err)
	}
	if string(magic) != snapshotMagic {
		return nil, fmt.Errorf("bad magic %q: %w", magic, domain.ErrSnapshotCorrupt)
	}

	var (
		version uint16
		mcode   uint8
		dim     uint32
		count   uint32
	)
	for _, v := range []any{&version, &mcode, &dim, &count} {
		if err := binary.Read(in, binary.LittleEndian, v); err != nil {
			return nil, corrupt("read header", err)
		}
	}
	if version != snapshotVersion {
		return nil, domain.NewIndexVersionMismatch("format",
			strconv.Itoa(int(snapshotVersion)), strconv.Itoa(int(version)))
	}
	metric, ok := metricFromCode(mcode)
	if !ok {
		return nil, fmt.Errorf("unknown metric code %d: %w", mcode, domain.ErrSnapshotCorrupt)
	}
	if metric != cfg.Metric {
		return nil, domain.NewIndexVersionMismatch("metric", string(cfg.Metric), string(metric))
	}
	if int(dim) != cfg.Dimension {
		return nil, domain.NewIndexVersionMismatch("dimension",
			strconv.Itoa(cfg.Dimension), strconv.FormatUint(uint64(dim), 10))
	}

	entries := make([]Entry, 0, min(int(count), 1<<16))
	for i := range count {
		e, err := readEntry(in, int(dim))
		if err != nil {
			return nil, corrupt(fmt.Sprintf("read entry %d", i), err)
		}
		entries = append(entries, e)
	}

	if err := verifyChecksum(in, crc); err != nil {
		return nil, err
	}
	return entries, nil
}

// LoadSnapshot replaces the index contents with a decoded snapshot. The swap is
// atomic; on any error the index is left untouched.
func (ix *Index) LoadSnapshot(r io.Reader) error {
	entries, err := ReadSnapshot(r, ix.cfg)
	if err != nil {
		return err
	}
	return ix.Rebuild(entries)
}

func readEntry(in io.Reader, dim int) (Entry, error) {
	var idLen uint16
	if err := binary.Read(in, binary.LittleEndian, &idLen); err != nil {
		return Entry{}, err //nolint:wrapcheck // wrapped by caller
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(in, id); err != nil {
		return Entry{}, err //nolint:wrapcheck // wrapped by caller
	}
	vec := make([]float32, dim)
	if err := binary.Read(in, binary.LittleEndian, vec); err != nil {
		return Entry{}, err //nolint:wrapcheck // wrapped by caller
	}
	return Entry{CaseID: string(id), Vector: vec}, nil
}

func verifyChecksum(in io.Reader, crc hash.Hash32) error {
	want := crc.Sum32()
	var got uint32
	// The trailer itself passes through the tee; only the value matters here.
	if err := binary.Read(in, binary.LittleEndian, &got); err != nil {
		return corrupt("read checksum", err)
	}
	if got != want {
		return fmt.Errorf("checksum %08x, expected %08x: %w", got, want, domain.ErrSnapshotCorrupt)
	}
	var extra [1]byte
	if n, _ := in.Read(extra[:]); n != 0 {
		return fmt.Errorf("trailing data after checksum: %w", domain.ErrSnapshotCorrupt)
	}
	return nil
}

func corrupt(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: truncated: %w", op, domain.ErrSnapshotCorrupt)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrSnapshotCorrupt, err)
}
