// Package runfile streams sorted statements into immutable on-disk
// run files and reads them back. A run file is a sequence of
// compressed pages followed by a bloom filter and a footer with the
// key/LSN bounds.
package runfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	bloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/terndb/tern/bufferpool"
	"github.com/terndb/tern/compression"
	"github.com/terndb/tern/keys"
)

const (
	// RunExtension is the suffix of run data files.
	RunExtension = ".run"

	footerFixedSize = 8 + 8 + 8 + 8 + 8 + 8 + 8 // bloomOff, metaOff, count, pages, minLSN, maxLSN, magic
)

var runMagic = []byte{'t', 'e', 'r', 'n', 'r', 'u', 'n', '1'}

var crcTable = crc32.MakeTable(0xEDB88320)

var (
	// ErrBadRunFile is returned when a run file fails validation
	ErrBadRunFile = errors.New("malformed run file")

	// ErrWriterMisuse is returned on out-of-order appends
	ErrWriterMisuse = errors.New("statements must be appended in order")
)

// Path returns the data file path for a run id.
func Path(dir string, runID int64) string {
	return filepath.Join(dir, fmt.Sprintf("%012d%s", runID, RunExtension))
}

// RemoveFiles deletes the files of a run. Missing files are not an
// error: removal is retried by recovery.
func RemoveFiles(dir string, runID int64) error {
	err := os.Remove(Path(dir, runID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Info carries the bounds recorded when a run commits.
type Info struct {
	MinKey keys.UserKey
	MaxKey keys.UserKey
	MinLSN int64
	MaxLSN int64
	Count  int64
	Pages  int64
}

// WriterOpts configures a run writer.
type WriterOpts struct {
	Dir         string
	RunID       int64
	BloomFPR    float64
	PageSize    int64
	Compression compression.Type
	Logger      *slog.Logger
}

// Writer streams sorted statements into a new run file. Create,
// append in key order, then either Commit or Abort.
type Writer struct {
	opts  WriterOpts
	path  string
	file  *os.File
	w     *bufio.Writer
	codec compression.Codec

	page     []byte
	pageCnt  int
	lastStmt *keys.Statement

	info     Info
	bloomKey [][]byte
	done     bool
}

// NewWriter creates the run file and prepares for appends.
func NewWriter(opts WriterOpts) (*Writer, error) {
	if opts.PageSize <= 0 {
		return nil, fmt.Errorf("invalid page size %d", opts.PageSize)
	}
	codec, err := compression.New(opts.Compression)
	if err != nil {
		return nil, err
	}
	path := Path(opts.Dir, opts.RunID)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Writer{
		opts:  opts,
		path:  path,
		file:  file,
		w:     bufio.NewWriter(file),
		codec: codec,
		page:  bufferpool.GetBuffer(),
		info:  Info{MinLSN: -1, MaxLSN: -1},
	}, nil
}

// AppendStmt adds the next statement. Statements must arrive in
// ascending statement order.
func (w *Writer) AppendStmt(stmt *keys.Statement) error {
	if w.done {
		return ErrWriterMisuse
	}
	if w.lastStmt != nil && w.lastStmt.Compare(stmt) > 0 {
		return ErrWriterMisuse
	}
	w.lastStmt = stmt

	if w.info.Count == 0 {
		w.info.MinKey = append(keys.UserKey(nil), stmt.Key...)
		w.info.MinLSN = stmt.LSN
		w.info.MaxLSN = stmt.LSN
	}
	w.info.MaxKey = append(w.info.MaxKey[:0], stmt.Key...)
	if stmt.LSN < w.info.MinLSN {
		w.info.MinLSN = stmt.LSN
	}
	if stmt.LSN > w.info.MaxLSN {
		w.info.MaxLSN = stmt.LSN
	}
	w.info.Count++

	w.page = appendStatement(w.page, stmt)
	w.pageCnt++
	w.bloomKey = append(w.bloomKey, append([]byte(nil), stmt.Key...))

	if int64(len(w.page)) >= w.opts.PageSize {
		return w.flushPage()
	}
	return nil
}

func (w *Writer) flushPage() error {
	if w.pageCnt == 0 {
		return nil
	}
	compressed, err := w.codec.Compress(w.page)
	if err != nil {
		return err
	}
	var hdr []byte
	hdr = binary.AppendUvarint(hdr, uint64(w.pageCnt))
	hdr = binary.AppendUvarint(hdr, uint64(len(w.page)))
	hdr = binary.AppendUvarint(hdr, uint64(len(compressed)))
	hdr = binary.LittleEndian.AppendUint32(hdr, crc32.Checksum(compressed, crcTable))
	if _, err := w.w.Write(hdr); err != nil {
		return err
	}
	if _, err := w.w.Write(compressed); err != nil {
		return err
	}
	w.info.Pages++
	w.page = w.page[:0]
	w.pageCnt = 0
	return nil
}

// Commit flushes remaining pages, writes the bloom filter and the
// footer, and syncs the file. After a successful commit Info holds
// the run bounds.
func (w *Writer) Commit() (Info, error) {
	if w.done {
		return Info{}, ErrWriterMisuse
	}
	w.done = true
	defer func() {
		bufferpool.PutBuffer(w.page)
		w.page = nil
	}()

	if err := w.flushPage(); err != nil {
		w.cleanup()
		return Info{}, err
	}

	// Page data ends here; bloom and footer follow.
	bloomOff := w.offsetSoFar()
	filter := w.buildBloom()
	var bloomBuf bytes.Buffer
	if _, err := filter.WriteTo(&bloomBuf); err != nil {
		w.cleanup()
		return Info{}, err
	}
	if _, err := w.w.Write(bloomBuf.Bytes()); err != nil {
		w.cleanup()
		return Info{}, err
	}

	metaOff := bloomOff + int64(bloomBuf.Len())
	var meta []byte
	meta = appendBytes(meta, w.info.MinKey)
	meta = appendBytes(meta, w.info.MaxKey)
	if _, err := w.w.Write(meta); err != nil {
		w.cleanup()
		return Info{}, err
	}

	footer := make([]byte, 0, footerFixedSize)
	footer = binary.LittleEndian.AppendUint64(footer, uint64(bloomOff))
	footer = binary.LittleEndian.AppendUint64(footer, uint64(metaOff))
	footer = binary.LittleEndian.AppendUint64(footer, uint64(w.info.Count))
	footer = binary.LittleEndian.AppendUint64(footer, uint64(w.info.Pages))
	footer = binary.LittleEndian.AppendUint64(footer, uint64(w.info.MinLSN))
	footer = binary.LittleEndian.AppendUint64(footer, uint64(w.info.MaxLSN))
	footer = append(footer, runMagic...)
	if _, err := w.w.Write(footer); err != nil {
		w.cleanup()
		return Info{}, err
	}

	if err := w.w.Flush(); err != nil {
		w.cleanup()
		return Info{}, err
	}
	if err := w.file.Sync(); err != nil {
		w.cleanup()
		return Info{}, err
	}
	if err := w.file.Close(); err != nil {
		return Info{}, err
	}
	if err := syncDir(w.opts.Dir); err != nil {
		return Info{}, err
	}
	return w.info, nil
}

// Abort removes the partially written file.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	bufferpool.PutBuffer(w.page)
	w.page = nil
	w.cleanup()
}

func (w *Writer) cleanup() {
	w.file.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) && w.opts.Logger != nil {
		w.opts.Logger.Warn("failed to remove aborted run file", "path", w.path, "error", err)
	}
}

func (w *Writer) offsetSoFar() int64 {
	// Buffered bytes have not reached the file yet.
	st, err := w.file.Stat()
	if err != nil {
		return 0
	}
	return st.Size() + int64(w.w.Buffered())
}

func (w *Writer) buildBloom() *bloom.BloomFilter {
	n := uint(len(w.bloomKey))
	if n == 0 {
		n = 1
	}
	fpr := w.opts.BloomFPR
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.01
	}
	filter := bloom.NewWithEstimates(n, fpr)
	for _, k := range w.bloomKey {
		filter.Add(k)
	}
	return filter
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Reader iterates a committed run file.
type Reader struct {
	path  string
	file  *os.File
	codec compression.Codec

	info    Info
	filter  *bloom.BloomFilter
	dataEnd int64
}

// OpenReader validates the footer and loads the bloom filter and
// bounds.
func OpenReader(dir string, runID int64, ctype compression.Type) (*Reader, error) {
	codec, err := compression.New(ctype)
	if err != nil {
		return nil, err
	}
	path := Path(dir, runID)
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{path: path, file: file, codec: codec}
	if err := r.readFooter(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readFooter() error {
	st, err := r.file.Stat()
	if err != nil {
		return err
	}
	if st.Size() < footerFixedSize {
		return ErrBadRunFile
	}
	footer := make([]byte, footerFixedSize)
	if _, err := r.file.ReadAt(footer, st.Size()-footerFixedSize); err != nil {
		return err
	}
	if !bytes.Equal(footer[footerFixedSize-8:], runMagic) {
		return ErrBadRunFile
	}
	bloomOff := int64(binary.LittleEndian.Uint64(footer[0:8]))
	metaOff := int64(binary.LittleEndian.Uint64(footer[8:16]))
	r.info.Count = int64(binary.LittleEndian.Uint64(footer[16:24]))
	r.info.Pages = int64(binary.LittleEndian.Uint64(footer[24:32]))
	r.info.MinLSN = int64(binary.LittleEndian.Uint64(footer[32:40]))
	r.info.MaxLSN = int64(binary.LittleEndian.Uint64(footer[40:48]))
	if bloomOff < 0 || metaOff < bloomOff || metaOff > st.Size() {
		return ErrBadRunFile
	}
	r.dataEnd = bloomOff

	bloomBytes := make([]byte, metaOff-bloomOff)
	if _, err := r.file.ReadAt(bloomBytes, bloomOff); err != nil {
		return err
	}
	filter := bloom.NewWithEstimates(1, 0.01)
	if _, err := filter.ReadFrom(bytes.NewReader(bloomBytes)); err != nil {
		return fmt.Errorf("%w: bloom: %v", ErrBadRunFile, err)
	}
	r.filter = filter

	metaLen := st.Size() - footerFixedSize - metaOff
	meta := make([]byte, metaLen)
	if _, err := r.file.ReadAt(meta, metaOff); err != nil {
		return err
	}
	var off int
	r.info.MinKey, off, err = readBytes(meta, 0)
	if err != nil {
		return err
	}
	r.info.MaxKey, _, err = readBytes(meta, off)
	return err
}

// Info returns the run bounds.
func (r *Reader) Info() Info {
	return r.info
}

// MayContain reports whether the run can possibly hold the key.
func (r *Reader) MayContain(key keys.UserKey) bool {
	return r.filter.Test(key)
}

// Close releases the file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Iterator streams the statements of a run in order.
type Iterator struct {
	r       *Reader
	section *io.SectionReader
	buf     *bufio.Reader

	page    []byte
	pageOff int
	pageN   int
	err     error
}

// NewIterator positions before the first statement.
func (r *Reader) NewIterator() *Iterator {
	section := io.NewSectionReader(r.file, 0, r.dataEnd)
	return &Iterator{
		r:       r,
		section: section,
		buf:     bufio.NewReader(section),
	}
}

// Next returns the next statement, or nil at the end. Check Err
// after a nil return.
func (it *Iterator) Next() *keys.Statement {
	if it.err != nil {
		return nil
	}
	for it.pageN == 0 {
		if !it.loadPage() {
			return nil
		}
	}
	stmt, n, err := decodeStatement(it.page[it.pageOff:])
	if err != nil {
		it.err = err
		return nil
	}
	it.pageOff += n
	it.pageN--
	return stmt
}

// Err returns the first error hit while iterating.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) loadPage() bool {
	cnt, err := binary.ReadUvarint(it.buf)
	if err != nil {
		if err != io.EOF {
			it.err = err
		}
		return false
	}
	rawLen, err := binary.ReadUvarint(it.buf)
	if err != nil {
		it.err = ErrBadRunFile
		return false
	}
	compLen, err := binary.ReadUvarint(it.buf)
	if err != nil {
		it.err = ErrBadRunFile
		return false
	}
	var sumBuf [4]byte
	if _, err := io.ReadFull(it.buf, sumBuf[:]); err != nil {
		it.err = ErrBadRunFile
		return false
	}
	compressed := make([]byte, compLen)
	if _, err := io.ReadFull(it.buf, compressed); err != nil {
		it.err = ErrBadRunFile
		return false
	}
	if crc32.Checksum(compressed, crcTable) != binary.LittleEndian.Uint32(sumBuf[:]) {
		it.err = ErrBadRunFile
		return false
	}
	page, err := it.r.codec.Decompress(compressed)
	if err != nil {
		it.err = err
		return false
	}
	if uint64(len(page)) != rawLen {
		it.err = ErrBadRunFile
		return false
	}
	it.page = page
	it.pageOff = 0
	it.pageN = int(cnt)
	return true
}

func appendStatement(buf []byte, stmt *keys.Statement) []byte {
	buf = appendBytes(buf, stmt.Key)
	buf = appendBytes(buf, stmt.Tuple)
	buf = binary.AppendVarint(buf, stmt.LSN)
	return append(buf, byte(stmt.Kind))
}

func decodeStatement(buf []byte) (*keys.Statement, int, error) {
	key, off, err := readBytes(buf, 0)
	if err != nil {
		return nil, 0, err
	}
	tuple, off, err := readBytes(buf, off)
	if err != nil {
		return nil, 0, err
	}
	lsn, n := binary.Varint(buf[off:])
	if n <= 0 {
		return nil, 0, ErrBadRunFile
	}
	off += n
	if off >= len(buf) {
		return nil, 0, ErrBadRunFile
	}
	kind := keys.Kind(buf[off])
	off++
	return &keys.Statement{
		Key:   append(keys.UserKey(nil), key...),
		Tuple: append([]byte(nil), tuple...),
		LSN:   lsn,
		Kind:  kind,
	}, off, nil
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func readBytes(buf []byte, off int) ([]byte, int, error) {
	n, m := binary.Uvarint(buf[off:])
	if m <= 0 {
		return nil, 0, ErrBadRunFile
	}
	off += m
	if off+int(n) > len(buf) {
		return nil, 0, ErrBadRunFile
	}
	b := buf[off : off+int(n)]
	off += int(n)
	return b, off, nil
}
