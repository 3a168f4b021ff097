package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jar-obfuscator/jobf-go/internal/naming"
	"github.com/jar-obfuscator/jobf-go/internal/rename"
)

// EnvPrefix 环境变量前缀，如 OBF_OBFUSCATION_THREADS
const EnvPrefix = "OBF"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	RabbitMQ    RabbitMQConfig    `mapstructure:"rabbitmq"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Watcher     WatcherConfig     `mapstructure:"watcher"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Log         LogConfig         `mapstructure:"log"`
	Obfuscation ObfuscationConfig `mapstructure:"obfuscation"`
	DataDir     string            `mapstructure:"data_dir"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
	// MaxUploadMB 上传文件大小上限
	MaxUploadMB int `mapstructure:"max_upload_mb"`
	// APIToken 非空时 /api 需要 Bearer 认证
	APIToken string `mapstructure:"api_token"`
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	// Path sqlite 数据库文件
	Path string `mapstructure:"path"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// StorageConfig 任务输入输出存储
type StorageConfig struct {
	Type     string   `mapstructure:"type"` // local, s3
	LocalDir string   `mapstructure:"local_dir"`
	S3       S3Config `mapstructure:"s3"`
}

// S3Config S3 兼容对象存储
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // 同时处理的任务数
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

// WatcherConfig 投递目录监听
type WatcherConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	// ProcessedDir 创建任务后归档文件移入的子目录
	ProcessedDir string `mapstructure:"processed_dir"`
	ScanExisting bool   `mapstructure:"scan_existing"`
}

// MetricsConfig Prometheus 指标
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr
}

// ObfuscationConfig 混淆处理配置
type ObfuscationConfig struct {
	Libraries []string `mapstructure:"libraries"`
	// Threads 单次处理的工作协程数，<=0 时取 CPU 数
	Threads int `mapstructure:"threads"`
	// Strict 依赖库缺失类时中止处理
	Strict      bool             `mapstructure:"strict"`
	Exclusions  ExclusionConfig  `mapstructure:"exclusions"`
	Naming      NamingConfig     `mapstructure:"naming"`
	Packages    PackageConfig    `mapstructure:"packages"`
	Stages      []string         `mapstructure:"stages"`
	Compression string           `mapstructure:"compression"` // deflate, store
	Classpath   ClasspathConfig  `mapstructure:"classpath"`
	Rename      RenameConfig     `mapstructure:"rename"`
}

// RenameConfig 重命名开关
type RenameConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ExclusionConfig 换行分隔的排除规则
type ExclusionConfig struct {
	Classes string `mapstructure:"classes"`
	Methods string `mapstructure:"methods"`
	Fields  string `mapstructure:"fields"`
}

// NamingConfig 名称生成配置
type NamingConfig struct {
	Alphabet string           `mapstructure:"alphabet"`
	Seed     uint64           `mapstructure:"seed"`
	Members  DictionaryConfig `mapstructure:"members"`
	Classes  DictionaryConfig `mapstructure:"classes"`
}

// DictionaryConfig 自定义字典：文件路径或逗号/换行分隔的内容
type DictionaryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Paths   []string `mapstructure:"paths"`
	Content string   `mapstructure:"content"`
}

// PackageConfig 类重命名后的包位置
type PackageConfig struct {
	Mode  string   `mapstructure:"mode"` // flatten, single, preserve, random, common
	Names []string `mapstructure:"names"`
}

// ClasspathConfig 依赖库解析缓存
type ClasspathConfig struct {
	CacheSize int `mapstructure:"cache_size"`
}

// FlagKeys 命令行参数到配置键的绑定
var FlagKeys = map[string]string{
	"libraries": "obfuscation.libraries",
	"threads":   "obfuscation.threads",
	"strict":    "obfuscation.strict",
	"log-level": "log.level",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_upload_mb", 512)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "data/jobf.db")
	v.SetDefault("database.port", 3306)

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "obfuscation_jobs")

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_dir", "data/artifacts")
	v.SetDefault("storage.s3.bucket", "jobf")

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 100)

	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.dir", "inbox")
	v.SetDefault("watcher.processed_dir", "processed")
	v.SetDefault("watcher.scan_existing", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("obfuscation.threads", runtime.NumCPU())
	v.SetDefault("obfuscation.strict", false)
	v.SetDefault("obfuscation.naming.alphabet", naming.DefaultAlphabet)
	v.SetDefault("obfuscation.packages.mode", string(rename.PackageFlatten))
	v.SetDefault("obfuscation.packages.names", []string{"org/obfuscated"})
	v.SetDefault("obfuscation.stages", []string{})
	v.SetDefault("obfuscation.compression", "deflate")
	v.SetDefault("obfuscation.classpath.cache_size", 64)
	v.SetDefault("obfuscation.rename.enabled", true)

	v.SetDefault("data_dir", "data")
}

// Load 读取配置文件、环境变量与命令行参数
//
// path 为空时只使用默认值与环境变量；flags 可以为 nil。
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 绑定环境变量到嵌套配置路径
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	v.BindEnv("server.api_token", "JOBF_API_TOKEN")
	v.BindEnv("storage.s3.access_key", "S3_ACCESS_KEY")
	v.BindEnv("storage.s3.secret_key", "S3_SECRET_KEY")

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize 修正不合法的配置值，每处修正记录一条警告
func (c *Config) Normalize(logger *logrus.Logger) {
	o := &c.Obfuscation
	if o.Threads <= 0 {
		logger.WithField("threads", o.Threads).Warn("Invalid thread count, using number of CPUs")
		o.Threads = runtime.NumCPU()
	}
	if n := len([]rune(uniqueRunes(o.Naming.Alphabet))); n < 2 {
		logger.WithField("alphabet", o.Naming.Alphabet).Warn("Generator alphabet needs at least two distinct characters, using default")
		o.Naming.Alphabet = naming.DefaultAlphabet
	}
	if _, err := rename.ParsePackageMode(o.Packages.Mode); err != nil {
		logger.WithError(err).Warn("Invalid package mode, using flatten")
		o.Packages.Mode = string(rename.PackageFlatten)
	}
	if len(o.Packages.Names) == 0 {
		o.Packages.Names = []string{"org/obfuscated"}
	}
	switch strings.ToLower(o.Compression) {
	case "deflate", "store":
		o.Compression = strings.ToLower(o.Compression)
	default:
		logger.WithField("compression", o.Compression).Warn("Unknown compression, using deflate")
		o.Compression = "deflate"
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = 100
	}
}

// RenameOptions 重命名引擎配置
func (o *ObfuscationConfig) RenameOptions() rename.Options {
	mode, err := rename.ParsePackageMode(o.Packages.Mode)
	if err != nil {
		mode = rename.PackageFlatten
	}
	return rename.Options{
		PackageMode: mode,
		Packages:    o.Packages.Names,
		Seed:        o.Naming.Seed,
	}
}

// NamingOptions 名称生成器配置；字典无法读取时禁用该字典并记录警告
func (o *ObfuscationConfig) NamingOptions(logger *logrus.Logger) naming.Options {
	return naming.Options{
		Alphabet:         o.Naming.Alphabet,
		MemberDictionary: loadDictionary(o.Naming.Members, "members", logger),
		ClassDictionary:  loadDictionary(o.Naming.Classes, "classes", logger),
		Seed:             o.Naming.Seed,
	}
}

func loadDictionary(d DictionaryConfig, kind string, logger *logrus.Logger) []string {
	if !d.Enabled {
		return nil
	}
	var words []string
	for _, p := range d.Paths {
		list, err := naming.LoadDictionary(p)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"dictionary": kind,
				"path":       p,
			}).Warn("Custom dictionary unreadable, dictionary disabled")
			return nil
		}
		words = append(words, list...)
	}
	words = dedupe(append(words, naming.ParseDictionary(d.Content)...))
	if len(words) == 0 {
		logger.WithField("dictionary", kind).Warn("Custom dictionary is empty, using generated names")
		return nil
	}
	return words
}

func dedupe(words []string) []string {
	seen := make(map[string]struct{}, len(words))
	out := words[:0]
	for _, w := range words {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func uniqueRunes(s string) string {
	seen := make(map[rune]struct{})
	var sb strings.Builder
	for _, r := range s {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		sb.WriteRune(r)
	}
	return sb.String()
}
