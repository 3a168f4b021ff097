package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWrite_Deterministic 测试输出排序且可复现
func TestWrite_Deterministic(t *testing.T) {
	entries := []Entry{
		{Name: "b/B.class", Data: []byte{0xCA, 0xFE}},
		{Name: "META-INF/", Data: nil},
		{Name: "a/A.class", Data: []byte("aaa")},
		{Name: "a/A.class", Data: []byte("dup")},
	}

	var first, second bytes.Buffer
	require.NoError(t, Write(&first, entries, CompressionDeflate))
	reversed := []Entry{entries[2], entries[1], entries[0]}
	require.NoError(t, Write(&second, reversed, CompressionDeflate))
	assert.Equal(t, first.Bytes(), second.Bytes())

	got, err := ReadBytes(first.Bytes())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "META-INF/", got[0].Name)
	assert.True(t, got[0].IsDir())
	assert.Equal(t, "a/A.class", got[1].Name)
	assert.Equal(t, []byte("aaa"), got[1].Data)
	assert.Equal(t, "b/B.class", got[2].Name)
}

// TestWriteFile_Store 测试不压缩写出与文件读取
func TestWriteFile_Store(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jar")
	data := bytes.Repeat([]byte("x"), 4096)
	require.NoError(t, WriteFile(path, []Entry{{Name: "r.txt", Data: data}}, CompressionStore))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(len(data)))

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, data, got[0].Data)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

// TestReadFile_Jmod 测试跳过 jmod 文件头
func TestReadFile_Jmod(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(jmodMagic)
	require.NoError(t, Write(&buf, []Entry{{Name: "classes/a/A.class", Data: []byte{1, 2}}}, CompressionDeflate))

	path := filepath.Join(t.TempDir(), "java.base.jmod")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "classes/a/A.class", got[0].Name)

	got, err = ReadBytes(buf.Bytes())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// TestReadFile_Invalid 测试损坏的归档
func TestReadFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jar")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

	_, err := ReadFile(path)
	assert.Error(t, err)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.jar"))
	assert.Error(t, err)
}

// TestParseCompression 测试压缩方式解析
func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("STORE")
	require.NoError(t, err)
	assert.Equal(t, CompressionStore, c)

	c, err = ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionDeflate, c)

	_, err = ParseCompression("lzma")
	assert.Error(t, err)
}

// TestManifest_MainClass 测试读取含续行的 Main-Class
func TestManifest_MainClass(t *testing.T) {
	manifest := []byte("Manifest-Version: 1.0\r\n" +
		"Main-Class: com.example.very.long.pkg.name.that.keeps.going.and.goin\r\n" +
		" g.App\r\n" +
		"Created-By: test\r\n" +
		"\r\n" +
		"Name: other\r\n" +
		"Main-Class: ignored.Section\r\n")

	assert.Equal(t, "com.example.very.long.pkg.name.that.keeps.going.and.going.App", MainClass(manifest))
	assert.Equal(t, "", MainClass([]byte("Manifest-Version: 1.0\n\nMain-Class: a.B\n")))
}

// TestManifest_Rewrite 测试改写 Main-Class 并保留其他内容
func TestManifest_Rewrite(t *testing.T) {
	manifest := []byte("Manifest-Version: 1.0\n" +
		"Main-Class: com.example.App\n" +
		"Created-By: test\n")

	out := RewriteMainClass(manifest, "org.obfuscated.Ab_0")
	assert.Equal(t, "Manifest-Version: 1.0\n"+
		"Main-Class: org.obfuscated.Ab_0\n"+
		"Created-By: test\n", string(out))

	long := "org.obfuscated." + strings.Repeat("Ж", 40) + "_1"
	out = RewriteMainClass(manifest, long)
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		assert.LessOrEqual(t, len(line), maxLineBytes)
	}
	assert.Equal(t, long, MainClass(out))

	none := []byte("Manifest-Version: 1.0\n")
	assert.Equal(t, none, RewriteMainClass(none, "x.Y"))
}

// TestEntryPoint 测试入口类跟踪
func TestEntryPoint(t *testing.T) {
	ep := NewEntryPoint("com.example.App")
	assert.Equal(t, "com/example/App", ep.Original())

	ep.ClassRenamed("com/example/Other", "o/X_0")
	_, ok := ep.Renamed()
	assert.False(t, ok)

	ep.ClassRenamed("com/example/App", "o/Y_1")
	name, ok := ep.Renamed()
	assert.True(t, ok)
	assert.Equal(t, "o.Y_1", name)

	var none *EntryPoint
	assert.Nil(t, NewEntryPoint(""))
	none.ClassRenamed("a", "b")
	_, ok = none.Renamed()
	assert.False(t, ok)
}
