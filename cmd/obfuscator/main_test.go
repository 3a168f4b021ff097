package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jar-obfuscator/jobf-go/internal/archive"
	"github.com/jar-obfuscator/jobf-go/internal/classfile"
)

func writeJar(t *testing.T, dir string, super string) string {
	t.Helper()
	main := classfile.NewBuilder("com/app/Main", super).
		Access(classfile.AccPublic|classfile.AccSuper).
		Method(classfile.AccPublic|classfile.AccStatic, "main", "([Ljava/lang/String;)V").
		Method(classfile.AccPublic, "helper", "()V").
		Field(classfile.AccPrivate, "count", "I").
		Bytes()
	entries := []archive.Entry{
		{Name: archive.ManifestName, Data: []byte("Manifest-Version: 1.0\r\nMain-Class: com.app.Main\r\n\r\n")},
		{Name: "com/app/Main.class", Data: main},
		{Name: "app.properties", Data: []byte("k=v\n")},
	}
	path := filepath.Join(dir, "in.jar")
	require.NoError(t, archive.WriteFile(path, entries, archive.CompressionDeflate))
	return path
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	in := writeJar(t, dir, "java/lang/Object")
	out := filepath.Join(dir, "out.jar")
	mapping := filepath.Join(dir, "mapping.txt")
	metricsFile := filepath.Join(dir, "jobf.prom")

	code := run([]string{
		"--jarIn", in,
		"--jarOut", out,
		"--mapping", mapping,
		"--metrics-file", metricsFile,
		"--threads", "2",
	})
	require.Equal(t, 0, code)

	entries, err := archive.ReadFile(out)
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name] = true
	}
	assert.True(t, names["app.properties"])
	assert.True(t, names[archive.ManifestName])
	assert.False(t, names["com/app/Main.class"], "main class should be renamed")

	text, err := os.ReadFile(mapping)
	require.NoError(t, err)
	assert.Contains(t, string(text), "com/app/Main -> ")

	prom, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "classes_processed")
}

func TestRun_Usage(t *testing.T) {
	assert.Equal(t, 2, run([]string{"--jarIn", "x.jar"}))
	assert.Equal(t, 2, run([]string{"--no-such-flag"}))
	assert.Equal(t, 0, run([]string{"--version"}))
}

func TestRun_StrictMissingLibrary(t *testing.T) {
	dir := t.TempDir()
	in := writeJar(t, dir, "com/lib/Base")

	code := run([]string{
		"--jarIn", in,
		"--jarOut", filepath.Join(dir, "out.jar"),
		"--strict",
	})
	assert.Equal(t, 1, code)
	_, err := os.Stat(filepath.Join(dir, "out.jar"))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_MissingInput(t *testing.T) {
	dir := t.TempDir()
	code := run([]string{
		"--jarIn", filepath.Join(dir, "absent.jar"),
		"--jarOut", filepath.Join(dir, "out.jar"),
	})
	assert.Equal(t, 1, code)
}
