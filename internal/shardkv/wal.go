package shardkv

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"
)

// wal.go implements a write-ahead log for the writes a primary applies.
// Replaying it in order rebuilds both the store and its dedup table, so a
// restarted node still refuses to apply a retried write twice.
//
// frame = [u32 frameLen][u32 crc32][enc]
// enc   = [u64 logIndex][u8 op][u64 clientID][u64 seq][u64 ackedSeq]
//         [u16 keyLen][key bytes][u32 valLen][value bytes]

type WAL struct {
	f      *os.File
	path   string
	offset int64
	bw     *bufio.Writer
	hdrLen int
	logger *Logger
}

var walHeader = []byte("SKVWAL1\x00")

type Record struct {
	LogIndex uint64
	Cmd      Command
}

var errCorrupt = errors.New("wal: corrupt")

const maxFrameLen = 1 << 30

func isCorrupt(err error) bool {
	return errors.Is(err, errCorrupt)
}

func NewWAL(path string, logger *Logger) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		f:      f,
		path:   path,
		bw:     bufio.NewWriterSize(f, 64<<10),
		hdrLen: len(walHeader),
		logger: logger,
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	if info.Size() == 0 {
		// fresh log: write the header first
		n, err := f.Write(walHeader)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, err
		}
		w.offset = int64(n)
		return w, nil
	}

	hdr := make([]byte, len(walHeader))
	if _, err := f.ReadAt(hdr, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read WAL header: %w", err)
	}
	if !bytes.Equal(hdr, walHeader) {
		_ = f.Close()
		return nil, fmt.Errorf("bad WAL header: expected %q", walHeader)
	}

	w.offset = info.Size()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) Close() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	return w.f.Close()
}

func Encode(rec *Record) ([]byte, error) {
	if !rec.Cmd.Op.isWrite() {
		return nil, fmt.Errorf("invalid command %v, neither Put nor Append", rec.Cmd.Op)
	}
	if len(rec.Cmd.Key) > math.MaxUint16 {
		return nil, errors.New("invalid key, length exceeds 16 bits")
	}
	if uint64(len(rec.Cmd.Value)) > math.MaxUint32 {
		return nil, errors.New("invalid value, length exceeds 32 bits")
	}

	enc := make([]byte, 0, 8+1+8+8+8+2+len(rec.Cmd.Key)+4+len(rec.Cmd.Value))
	enc = binary.BigEndian.AppendUint64(enc, rec.LogIndex)
	enc = append(enc, uint8(rec.Cmd.Op))
	enc = binary.BigEndian.AppendUint64(enc, rec.Cmd.ClientID)
	enc = binary.BigEndian.AppendUint64(enc, rec.Cmd.Seq)
	enc = binary.BigEndian.AppendUint64(enc, rec.Cmd.AckedSeq)
	enc = binary.BigEndian.AppendUint16(enc, uint16(len(rec.Cmd.Key)))
	enc = append(enc, rec.Cmd.Key...)
	enc = binary.BigEndian.AppendUint32(enc, uint32(len(rec.Cmd.Value)))
	enc = append(enc, rec.Cmd.Value...)

	frame := make([]byte, 0, 8+len(enc))
	frame = binary.BigEndian.AppendUint32(frame, uint32(4+len(enc)))
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(enc))
	frame = append(frame, enc...)
	return frame, nil
}

// Append writes rec and fsyncs before returning.
func (w *WAL) Append(rec *Record) error {
	fr, err := Encode(rec)
	if err != nil {
		return err
	}
	if _, err := w.bw.Write(fr); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}

	start := time.Now()
	if err := w.f.Sync(); err != nil {
		return err
	}
	w.logger.Debugf(LogTopicWAL, "wal_append index=%d bytes=%d fsync_ms=%d",
		rec.LogIndex, len(fr), time.Since(start).Milliseconds())

	w.offset += int64(len(fr))
	return nil
}

func Decode(payload []byte) (Record, error) {
	var rec Record
	off := 0

	// need checks that the payload still holds n more bytes
	need := func(n int) error {
		if len(payload)-off < n {
			return fmt.Errorf("%w: payload too short, %d more bytes needed (off=%d, len=%d)",
				errCorrupt, n, off, len(payload))
		}
		return nil
	}

	if err := need(8 + 1 + 8 + 8 + 8 + 2); err != nil {
		return Record{}, err
	}
	rec.LogIndex = binary.BigEndian.Uint64(payload[off:])
	off += 8

	rec.Cmd.Op = Op(payload[off])
	if !rec.Cmd.Op.isWrite() {
		return Record{}, fmt.Errorf("%w: unknown op %d", errCorrupt, payload[off])
	}
	off++

	rec.Cmd.ClientID = binary.BigEndian.Uint64(payload[off:])
	off += 8
	rec.Cmd.Seq = binary.BigEndian.Uint64(payload[off:])
	off += 8
	rec.Cmd.AckedSeq = binary.BigEndian.Uint64(payload[off:])
	off += 8

	keylen := int(binary.BigEndian.Uint16(payload[off:]))
	off += 2
	if err := need(keylen); err != nil {
		return Record{}, err
	}
	rec.Cmd.Key = string(payload[off : off+keylen])
	off += keylen

	if err := need(4); err != nil {
		return Record{}, err
	}
	vallen := int(binary.BigEndian.Uint32(payload[off:]))
	off += 4
	if err := need(vallen); err != nil {
		return Record{}, err
	}
	rec.Cmd.Value = string(payload[off : off+vallen])

	return rec, nil
}

// readFrameAt returns the payload at offset and the number of bytes the
// whole frame takes up.
func (w *WAL) readFrameAt(offset int64) ([]byte, int, error) {
	var hdr [4]byte
	n, err := w.f.ReadAt(hdr[:], offset)
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, 0, io.EOF
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// torn length prefix
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}

	frameLen := binary.BigEndian.Uint32(hdr[:])
	if frameLen < 4 {
		return nil, 0, fmt.Errorf("%w: bad framelen = %d", errCorrupt, frameLen)
	}
	if frameLen > maxFrameLen {
		return nil, 0, fmt.Errorf("%w: frameLen overflows", errCorrupt)
	}

	body := make([]byte, frameLen)
	if _, err := w.f.ReadAt(body, offset+4); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}

	crc := binary.BigEndian.Uint32(body[:4])
	enc := body[4:]
	if crc32.ChecksumIEEE(enc) != crc {
		return nil, 0, errCorrupt
	}
	return enc, int(4 + frameLen), nil
}

// ReplayAll reads every intact record. A torn or corrupt tail is truncated
// away so later appends continue from the last good frame.
func (w *WAL) ReplayAll() (recs []Record, lastIndex uint64, err error) {
	off := int64(w.hdrLen)
	lastGood := off
	repairNeeded := true

	for {
		enc, n, rerr := w.readFrameAt(off)
		if rerr != nil {
			if rerr == io.EOF {
				repairNeeded = false
			}
			if rerr != io.EOF && rerr != io.ErrUnexpectedEOF && !isCorrupt(rerr) {
				return recs, lastIndex, rerr
			}
			break
		}

		rec, derr := Decode(enc)
		if derr != nil {
			break
		}
		recs = append(recs, rec)
		lastIndex = rec.LogIndex
		off += int64(n)
		lastGood = off
	}

	if repairNeeded {
		w.logger.Infof(LogTopicWAL, "wal_repair path=%s truncate_at=%d", w.path, lastGood)
		if err := w.f.Truncate(lastGood); err != nil {
			return recs, lastIndex, err
		}
		if err := w.f.Sync(); err != nil {
			return recs, lastIndex, err
		}
	}

	if _, err := w.f.Seek(lastGood, io.SeekStart); err != nil {
		return recs, lastIndex, err
	}
	w.offset = lastGood
	w.bw.Reset(w.f)
	return recs, lastIndex, nil
}
