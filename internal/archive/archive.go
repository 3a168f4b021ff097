// Package archive 读写 jar/zip/jmod 归档
package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// jmodMagic jmod 文件在 zip 数据之前的 4 字节头
var jmodMagic = []byte{'J', 'M', 0x01, 0x00}

// fixedTime 没有原始时间戳的条目使用的时间，保证输出可复现
var fixedTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Compression 输出条目的压缩方式
type Compression string

const (
	CompressionDeflate Compression = "deflate"
	CompressionStore   Compression = "store"
)

// ParseCompression 解析压缩方式
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(s))); c {
	case CompressionDeflate, CompressionStore:
		return c, nil
	case "":
		return CompressionDeflate, nil
	default:
		return "", fmt.Errorf("unknown compression %q (expected deflate or store)", s)
	}
}

func (c Compression) method() uint16 {
	if c == CompressionStore {
		return zip.Store
	}
	return zip.Deflate
}

// Entry 归档条目，目录条目以 / 结尾且没有数据
type Entry struct {
	Name     string
	Data     []byte
	Modified time.Time
}

// IsDir 是否目录条目
func (e Entry) IsDir() bool {
	return strings.HasSuffix(e.Name, "/")
}

// ReadFile 读取归档文件的全部条目，按归档内顺序返回
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	var r io.ReaderAt = f
	size := info.Size()
	if isJmod(f) {
		r = io.NewSectionReader(f, int64(len(jmodMagic)), size-int64(len(jmodMagic)))
		size -= int64(len(jmodMagic))
	}

	entries, err := read(r, size)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return entries, nil
}

// ReadBytes 从内存读取归档
func ReadBytes(data []byte) ([]Entry, error) {
	if bytes.HasPrefix(data, jmodMagic) {
		data = data[len(jmodMagic):]
	}
	return read(bytes.NewReader(data), int64(len(data)))
}

func isJmod(r io.ReaderAt) bool {
	head := make([]byte, len(jmodMagic))
	if _, err := r.ReadAt(head, 0); err != nil {
		return false
	}
	return bytes.Equal(head, jmodMagic)
}

func read(r io.ReaderAt, size int64) ([]Entry, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(zr.File))
	for _, f := range zr.File {
		e := Entry{Name: f.Name, Modified: f.Modified}
		if !f.FileInfo().IsDir() {
			data, err := readEntry(f)
			if err != nil {
				return nil, fmt.Errorf("entry %s: %w", f.Name, err)
			}
			e.Data = data
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Write 按名称排序写出条目
//
// 同名条目只写第一个。
func Write(w io.Writer, entries []Entry, compression Compression) error {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	zw := zip.NewWriter(w)
	seen := make(map[string]struct{}, len(sorted))
	for _, e := range sorted {
		if _, dup := seen[e.Name]; dup {
			continue
		}
		seen[e.Name] = struct{}{}

		hdr := &zip.FileHeader{
			Name:     e.Name,
			Method:   compression.method(),
			Modified: e.Modified,
		}
		if hdr.Modified.IsZero() {
			hdr.Modified = fixedTime
		}
		if e.IsDir() {
			hdr.Method = zip.Store
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("create entry %s: %w", e.Name, err)
		}
		if e.IsDir() {
			continue
		}
		if _, err := fw.Write(e.Data); err != nil {
			return fmt.Errorf("write entry %s: %w", e.Name, err)
		}
	}
	return zw.Close()
}

// WriteFile 写出归档文件，先写临时文件再改名
func WriteFile(path string, entries []Entry, compression Compression) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	if err := Write(f, entries, compression); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close archive: %w", err)
	}
	return os.Rename(tmp, path)
}
