package config

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jar-obfuscator/jobf-go/internal/naming"
	"github.com/jar-obfuscator/jobf-go/internal/rename"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

const sampleYAML = `
obfuscation:
  threads: 3
  libraries:
    - /opt/jdk/jmods
  exclusions:
    classes: |
      com.secret.**
      org.keep.*
  naming:
    alphabet: "Il1"
    seed: 42
  packages:
    mode: random
    names: [a.b, c/d]
  stages: [line_number_remover, shuffle_members]
  compression: STORE
rabbitmq:
  enabled: true
  queue: jobs
`

// TestLoad_File 测试 YAML 配置加载
func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	o := cfg.Obfuscation
	assert.Equal(t, 3, o.Threads)
	assert.Equal(t, []string{"/opt/jdk/jmods"}, o.Libraries)
	assert.Contains(t, o.Exclusions.Classes, "com.secret.**")
	assert.Equal(t, "Il1", o.Naming.Alphabet)
	assert.Equal(t, uint64(42), o.Naming.Seed)
	assert.Equal(t, []string{"line_number_remover", "shuffle_members"}, o.Stages)
	assert.True(t, cfg.RabbitMQ.Enabled)
	assert.Equal(t, "jobs", cfg.RabbitMQ.Queue)

	// 未配置的键取默认值
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, o.Rename.Enabled)
	assert.Equal(t, "sqlite", cfg.Database.Type)

	cfg.Normalize(quietLogger())
	assert.Equal(t, "store", cfg.Obfuscation.Compression)

	ro := cfg.Obfuscation.RenameOptions()
	assert.Equal(t, rename.PackageRandom, ro.PackageMode)
	assert.Equal(t, []string{"a.b", "c/d"}, ro.Packages)
	assert.Equal(t, uint64(42), ro.Seed)
}

// TestLoad_Defaults 测试无配置文件时的默认值
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), cfg.Obfuscation.Threads)
	assert.Equal(t, naming.DefaultAlphabet, cfg.Obfuscation.Naming.Alphabet)
	assert.Equal(t, "flatten", cfg.Obfuscation.Packages.Mode)
	assert.Equal(t, "deflate", cfg.Obfuscation.Compression)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

// TestLoad_EnvAndFlags 测试环境变量与命令行参数覆盖
func TestLoad_EnvAndFlags(t *testing.T) {
	t.Setenv("OBF_OBFUSCATION_STRICT", "true")
	t.Setenv("RABBITMQ_HOST", "mq.internal")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("threads", 0, "")
	flags.StringSlice("libraries", nil, "")
	require.NoError(t, flags.Parse([]string{"--threads=7", "--libraries=a.jar,b.jar"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.True(t, cfg.Obfuscation.Strict)
	assert.Equal(t, "mq.internal", cfg.RabbitMQ.Host)
	assert.Equal(t, 7, cfg.Obfuscation.Threads)
	assert.Equal(t, []string{"a.jar", "b.jar"}, cfg.Obfuscation.Libraries)
}

// TestNormalize 测试不合法配置的修正
func TestNormalize(t *testing.T) {
	cfg := &Config{}
	cfg.Obfuscation.Threads = -1
	cfg.Obfuscation.Naming.Alphabet = "aaaa"
	cfg.Obfuscation.Packages.Mode = "sideways"
	cfg.Obfuscation.Compression = "lzma"

	cfg.Normalize(quietLogger())
	assert.Equal(t, runtime.NumCPU(), cfg.Obfuscation.Threads)
	assert.Equal(t, naming.DefaultAlphabet, cfg.Obfuscation.Naming.Alphabet)
	assert.Equal(t, "flatten", cfg.Obfuscation.Packages.Mode)
	assert.Equal(t, []string{"org/obfuscated"}, cfg.Obfuscation.Packages.Names)
	assert.Equal(t, "deflate", cfg.Obfuscation.Compression)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
}

// TestNamingOptions 测试字典加载与失败降级
func TestNamingOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "words.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha\nbeta,gamma\n"), 0o644))

	o := &ObfuscationConfig{}
	o.Naming.Members = DictionaryConfig{Enabled: true, Paths: []string{path}, Content: "delta, alpha"}
	o.Naming.Classes = DictionaryConfig{Enabled: true, Paths: []string{filepath.Join(dir, "missing.txt")}}

	opts := o.NamingOptions(quietLogger())
	assert.Equal(t, []string{"alpha", "beta", "gamma", "delta"}, opts.MemberDictionary)
	assert.Nil(t, opts.ClassDictionary)

	o.Naming.Members.Enabled = false
	assert.Nil(t, o.NamingOptions(quietLogger()).MemberDictionary)
}

// TestInitLogger 测试日志器配置
func TestInitLogger(t *testing.T) {
	logger := InitLogger(&LogConfig{Level: "debug", Format: "json", Output: "stderr"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
	assert.Equal(t, os.Stderr, logger.Out)

	logger = InitLogger(&LogConfig{Level: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}
