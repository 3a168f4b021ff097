package archive

import (
	"bytes"
	"strings"
	"sync"
)

// ManifestName 清单条目名
const ManifestName = "META-INF/MANIFEST.MF"

const (
	mainClassHeader = "Main-Class"
	// maxLineBytes 清单单行最大字节数（不含换行）
	maxLineBytes = 72
)

// manifestLine 逻辑行在原始字节中的范围
type manifestLine struct {
	start, end int
	text       string
}

// logicalLines 合并续行，续行以单个空格开头
func logicalLines(data []byte) []manifestLine {
	var lines []manifestLine
	pos := 0
	for pos < len(data) {
		end := bytes.IndexByte(data[pos:], '\n')
		next := len(data)
		if end >= 0 {
			next = pos + end + 1
		}
		raw := strings.TrimRight(string(data[pos:next]), "\r\n")
		if strings.HasPrefix(raw, " ") && len(lines) > 0 {
			last := &lines[len(lines)-1]
			last.text += raw[1:]
			last.end = next
		} else {
			lines = append(lines, manifestLine{start: pos, end: next, text: raw})
		}
		pos = next
	}
	return lines
}

// mainClassLine 主段中的 Main-Class 行
func mainClassLine(data []byte) (manifestLine, string, bool) {
	for _, l := range logicalLines(data) {
		if l.text == "" {
			// 主段结束
			break
		}
		key, value, ok := strings.Cut(l.text, ":")
		if ok && strings.EqualFold(strings.TrimSpace(key), mainClassHeader) {
			return l, strings.TrimSpace(value), true
		}
	}
	return manifestLine{}, "", false
}

// MainClass 读取清单的 Main-Class，不存在时返回空串
func MainClass(manifest []byte) string {
	_, value, _ := mainClassLine(manifest)
	return value
}

// RewriteMainClass 替换 Main-Class 的值，其余字节保持不变
func RewriteMainClass(manifest []byte, value string) []byte {
	line, _, ok := mainClassLine(manifest)
	if !ok {
		return manifest
	}
	eol := "\n"
	if bytes.Contains(manifest, []byte("\r\n")) {
		eol = "\r\n"
	}

	var out bytes.Buffer
	out.Write(manifest[:line.start])
	out.WriteString(wrapHeader(mainClassHeader+": "+value, eol))
	out.Write(manifest[line.end:])
	return out.Bytes()
}

// wrapHeader 按 72 字节折行
func wrapHeader(s, eol string) string {
	var b strings.Builder
	limit := maxLineBytes
	for len(s) > limit {
		cut := limit
		// 不拆开 UTF-8 多字节字符
		for cut > 0 && s[cut]&0xC0 == 0x80 {
			cut--
		}
		b.WriteString(s[:cut])
		b.WriteString(eol)
		b.WriteByte(' ')
		s = s[cut:]
		limit = maxLineBytes - 1
	}
	b.WriteString(s)
	b.WriteString(eol)
	return b.String()
}

// EntryPoint 跟踪入口类的重命名
type EntryPoint struct {
	mu       sync.Mutex
	original string
	renamed  string
}

// NewEntryPoint 以 Main-Class 值（点分形式）创建跟踪器，值为空时返回 nil
func NewEntryPoint(mainClass string) *EntryPoint {
	if mainClass == "" {
		return nil
	}
	return &EntryPoint{original: strings.ReplaceAll(mainClass, ".", "/")}
}

// ClassRenamed 接收类重命名通知
func (e *EntryPoint) ClassRenamed(oldName, newName string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if oldName == e.original {
		e.renamed = newName
	}
}

// Original 原入口类内部名
func (e *EntryPoint) Original() string {
	if e == nil {
		return ""
	}
	return e.original
}

// Renamed 入口类的新名称（点分形式）
func (e *EntryPoint) Renamed() (string, bool) {
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.renamed == "" {
		return "", false
	}
	return strings.ReplaceAll(e.renamed, "/", "."), true
}
