package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// ErrCorrupted indicates the changelog is damaged before its tail. Torn
// final frames from a crash mid-append are tolerated and truncated; any
// earlier damage is unrecoverable without an explicit state reset.
var ErrCorrupted = errors.New("store: changelog corrupted")

// Changelog file layout:
//
//	header: "WKCL" + version byte
//	frame:  magic (2 bytes) | uvarint key length | key bytes |
//	        count (8 bytes big-endian) | CRC-32 IEEE of key+count (4 bytes)
//
// Frames record absolute counts per flush, so replay is idempotent: a later
// frame for the same key overwrites the earlier one.
var fileHeader = []byte{'W', 'K', 'C', 'L', 0x01}

const frameMagic uint16 = 0x5743

func frameSize(key string) int64 {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(key)))
	return int64(2 + n + len(key) + 8 + 4)
}

func writeFrame(w io.Writer, key string, count uint64) error {
	var buf [2 + binary.MaxVarintLen64]byte
	binary.BigEndian.PutUint16(buf[:2], frameMagic)
	n := binary.PutUvarint(buf[2:], uint64(len(key)))

	if _, err := w.Write(buf[:2+n]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, key); err != nil {
		return err
	}

	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], count)
	if _, err := w.Write(countBuf[:]); err != nil {
		return err
	}

	crc := crc32.NewIEEE()
	_, _ = io.WriteString(crc, key)
	_, _ = crc.Write(countBuf[:])

	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc.Sum32())
	_, err := w.Write(crcBuf[:])
	return err
}

// readFrame reads one frame. It returns io.EOF at a clean frame boundary and
// io.ErrUnexpectedEOF when the file ends mid-frame (torn tail). Structural
// damage (bad magic, CRC mismatch) returns ErrCorrupted.
func readFrame(r *bufio.Reader) (string, uint64, error) {
	var magicBuf [2]byte
	if _, err := io.ReadFull(r, magicBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return "", 0, io.EOF
		}
		return "", 0, io.ErrUnexpectedEOF
	}
	if binary.BigEndian.Uint16(magicBuf[:]) != frameMagic {
		return "", 0, fmt.Errorf("%w: bad frame magic %x", ErrCorrupted, magicBuf)
	}

	keyLen, err := binary.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return "", 0, io.ErrUnexpectedEOF
		}
		// Overflowing length bytes are structural damage, not a short read.
		return "", 0, fmt.Errorf("%w: bad key length: %v", ErrCorrupted, err)
	}
	if keyLen > maxKeyLen {
		return "", 0, fmt.Errorf("%w: key length %d exceeds limit", ErrCorrupted, keyLen)
	}

	keyBuf := make([]byte, keyLen)
	if _, err := io.ReadFull(r, keyBuf); err != nil {
		return "", 0, io.ErrUnexpectedEOF
	}

	var countBuf [8]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return "", 0, io.ErrUnexpectedEOF
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return "", 0, io.ErrUnexpectedEOF
	}

	crc := crc32.NewIEEE()
	_, _ = crc.Write(keyBuf)
	_, _ = crc.Write(countBuf[:])
	if crc.Sum32() != binary.BigEndian.Uint32(crcBuf[:]) {
		return "", 0, fmt.Errorf("%w: frame checksum mismatch", ErrCorrupted)
	}

	return string(keyBuf), binary.BigEndian.Uint64(countBuf[:]), nil
}

// maxKeyLen bounds a single aggregation key. Anything larger in the log is
// treated as corruption rather than an attempt to allocate garbage lengths.
const maxKeyLen = 1 << 20
