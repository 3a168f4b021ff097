package classpath

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jar-obfuscator/jobf-go/internal/archive"
	"github.com/jar-obfuscator/jobf-go/internal/classfile"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func classEntry(entry, name, super string) archive.Entry {
	return archive.Entry{
		Name: entry,
		Data: classfile.NewBuilder(name, super).Method(classfile.AccPublic, "run", "()V").Bytes(),
	}
}

func writeArchive(t *testing.T, path string, prefix []byte, entries ...archive.Entry) {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(prefix)
	require.NoError(t, archive.Write(&buf, entries, archive.CompressionDeflate))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// TestDiscover 测试目录递归收集
func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.jar", "sub/a.zip", "sub/deep/c.jmod", "notes.txt"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}
	single := filepath.Join(dir, "notes.txt")

	got, err := Discover([]string{single, dir})
	require.NoError(t, err)
	assert.Equal(t, []string{
		single,
		filepath.Join(dir, "b.jar"),
		filepath.Join(dir, "sub/a.zip"),
		filepath.Join(dir, "sub/deep/c.jmod"),
	}, got)

	_, err = Discover([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

// TestLoad 测试加载 jar 与 jmod
func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, filepath.Join(dir, "lib.jar"), nil,
		classEntry("lib/Base.class", "lib/Base", "java/lang/Object"),
		classEntry("lib/Dup.class", "lib/Dup", "java/lang/Object"),
		archive.Entry{Name: "module-info.class", Data: []byte{0xCA, 0xFE}},
		archive.Entry{Name: "lib/Broken.class", Data: []byte{0xCA, 0xFE, 0xBA, 0xBE}},
		archive.Entry{Name: "lib/readme.txt", Data: []byte("x")},
	)
	writeArchive(t, filepath.Join(dir, "z/java.base.jmod"), []byte{'J', 'M', 1, 0},
		classEntry("classes/java/lang/Object.class", "java/lang/Object", ""),
		classEntry("classes/lib/Dup.class", "lib/Dup", "lib/Base"),
		classEntry("bin/tool/Main.class", "tool/Main", "java/lang/Object"),
		archive.Entry{Name: "classes/module-info.class", Data: []byte{0}},
	)

	loader, err := NewLoader(4, 8, testLogger())
	require.NoError(t, err)

	table, err := loader.Load(context.Background(), []string{dir})
	require.NoError(t, err)

	assert.Len(t, table, 3)
	require.Contains(t, table, "lib/Base")
	assert.True(t, table["lib/Base"].IsLibrary)
	assert.Nil(t, table["lib/Base"].Raw)
	require.Contains(t, table, "java/lang/Object")
	assert.NotContains(t, table, "tool/Main")
	// 路径顺序中先出现的定义优先
	assert.Equal(t, "java/lang/Object", table["lib/Dup"].SuperName())
}

// TestLoad_Cache 测试重复加载命中缓存
func TestLoad_Cache(t *testing.T) {
	jar := filepath.Join(t.TempDir(), "lib.jar")
	writeArchive(t, jar, nil, classEntry("lib/A.class", "lib/A", "java/lang/Object"))

	loader, err := NewLoader(2, 4, testLogger())
	require.NoError(t, err)

	first, err := loader.Load(context.Background(), []string{jar})
	require.NoError(t, err)
	second, err := loader.Load(context.Background(), []string{jar})
	require.NoError(t, err)
	assert.Same(t, first["lib/A"], second["lib/A"])

	uncached, err := NewLoader(2, 0, testLogger())
	require.NoError(t, err)
	third, err := uncached.Load(context.Background(), []string{jar})
	require.NoError(t, err)
	assert.NotSame(t, first["lib/A"], third["lib/A"])
}

// TestLoad_Errors 测试无法读取的归档
func TestLoad_Errors(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.jar")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o644))

	loader, err := NewLoader(2, 0, testLogger())
	require.NoError(t, err)

	_, err = loader.Load(context.Background(), []string{bad})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = loader.Load(ctx, []string{bad})
	assert.ErrorIs(t, err, context.Canceled)

	table, err := loader.Load(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, table)
}
