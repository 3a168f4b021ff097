// Package classpath 加载依赖库中的类，只用于解析继承关系
package classpath

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jar-obfuscator/jobf-go/internal/archive"
	"github.com/jar-obfuscator/jobf-go/internal/domain"
	"github.com/jar-obfuscator/jobf-go/internal/worker"
)

const (
	jmodClassPrefix = "classes/"
	moduleInfo      = "module-info.class"
)

// archiveExtensions 目录中会被收集的归档后缀
var archiveExtensions = map[string]bool{
	".jar":  true,
	".zip":  true,
	".jmod": true,
}

// Loader 依赖库加载器
//
// 解析结果按文件路径、大小和修改时间缓存，服务端多个任务共享同一组依赖库时不重复解析。
type Loader struct {
	scheduler *worker.Scheduler
	cache     *lru.Cache[string, []*domain.ClassUnit]
	logger    *logrus.Logger
}

// NewLoader 创建加载器，cacheSize<=0 时不缓存
func NewLoader(threads, cacheSize int, logger *logrus.Logger) (*Loader, error) {
	l := &Loader{
		scheduler: worker.NewScheduler(threads, logger),
		logger:    logger,
	}
	if cacheSize > 0 {
		cache, err := lru.New[string, []*domain.ClassUnit](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create classpath cache: %w", err)
		}
		l.cache = cache
	}
	return l, nil
}

// Discover 展开依赖路径：文件原样保留，目录递归收集 .jar/.zip/.jmod
func Discover(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("library %s: %w", p, err)
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		var found []string
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && archiveExtensions[strings.ToLower(filepath.Ext(path))] {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", p, err)
		}
		sort.Strings(found)
		out = append(out, found...)
	}
	return out, nil
}

// blob 待解析的类文件
type blob struct {
	archive int
	order   int
	name    string
	data    []byte
}

// parsed 解析结果及其在输入中的位置
type parsed struct {
	order int
	unit  *domain.ClassUnit
}

// source 一个依赖归档的读取状态
type source struct {
	path  string
	key   string
	units []*domain.ClassUnit
	blobs []blob
	hit   bool
}

// Load 读取并解析全部依赖库类，返回内部名到类的表
//
// 同名类以路径顺序中第一个出现的为准。无法读取的归档中止加载，无法解析的类跳过。
func (l *Loader) Load(ctx context.Context, paths []string) (map[string]*domain.ClassUnit, error) {
	files, err := Discover(paths)
	if err != nil {
		return nil, err
	}

	sources := make([]*source, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.scheduler.Workers())
	for i, path := range files {
		g.Go(func() error {
			src, err := l.read(gctx, i, path)
			if err != nil {
				return err
			}
			sources[i] = src
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	queue := worker.NewQueue[blob]()
	for _, src := range sources {
		queue.Push(src.blobs...)
	}

	results := make([][]parsed, len(sources))
	err = worker.DrainLocal(ctx, l.scheduler, queue,
		func() map[int][]parsed { return make(map[int][]parsed) },
		func(_ context.Context, local map[int][]parsed, b blob) error {
			unit, err := domain.NewClassUnit(b.name, b.data, true)
			if err != nil {
				l.logger.WithFields(logrus.Fields{
					"archive": sources[b.archive].path,
					"entry":   b.name,
					"error":   err.Error(),
				}).Warn("Skipping unparseable library class")
				return nil
			}
			local[b.archive] = append(local[b.archive], parsed{order: b.order, unit: unit})
			return nil
		},
		func(local map[int][]parsed) {
			for idx, units := range local {
				results[idx] = append(results[idx], units...)
			}
		})
	if err != nil {
		return nil, fmt.Errorf("parse classpath: %w", err)
	}

	table := make(map[string]*domain.ClassUnit)
	for i, src := range sources {
		if !src.hit {
			sort.Slice(results[i], func(a, b int) bool { return results[i][a].order < results[i][b].order })
			src.units = make([]*domain.ClassUnit, len(results[i]))
			for j, p := range results[i] {
				src.units[j] = p.unit
			}
			if l.cache != nil {
				l.cache.Add(src.key, src.units)
			}
		}
		for _, u := range src.units {
			if _, dup := table[u.OriginalName]; !dup {
				table[u.OriginalName] = u
			}
		}
	}

	l.logger.WithFields(logrus.Fields{
		"archives": len(files),
		"classes":  len(table),
	}).Info("Classpath loaded")
	return table, nil
}

// read 读取单个归档的类条目，命中缓存时直接返回已解析的类
func (l *Loader) read(ctx context.Context, idx int, path string) (*source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("library %s: %w", path, err)
	}
	src := &source{
		path: path,
		key:  fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano()),
	}
	if l.cache != nil {
		if units, ok := l.cache.Get(src.key); ok {
			src.units = units
			src.hit = true
			l.logger.WithField("archive", path).Debug("Classpath cache hit")
			return src, nil
		}
	}

	entries, err := archive.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jmod := strings.EqualFold(filepath.Ext(path), ".jmod")
	for order, e := range entries {
		if !libraryClassEntry(e.Name, jmod) {
			continue
		}
		src.blobs = append(src.blobs, blob{archive: idx, order: order, name: e.Name, data: e.Data})
	}
	return src, nil
}

func libraryClassEntry(name string, jmod bool) bool {
	if !domain.IsClassEntry(name) {
		return false
	}
	if jmod && !strings.HasPrefix(name, jmodClassPrefix) {
		return false
	}
	return name != moduleInfo && !strings.HasSuffix(name, "/"+moduleInfo)
}
