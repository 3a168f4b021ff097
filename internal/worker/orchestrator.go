package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jar-obfuscator/jobf-go/internal/archive"
	"github.com/jar-obfuscator/jobf-go/internal/classfile"
	"github.com/jar-obfuscator/jobf-go/internal/config"
	"github.com/jar-obfuscator/jobf-go/internal/domain"
	"github.com/jar-obfuscator/jobf-go/internal/exclusion"
	"github.com/jar-obfuscator/jobf-go/internal/metrics"
	"github.com/jar-obfuscator/jobf-go/internal/naming"
	"github.com/jar-obfuscator/jobf-go/internal/remap"
	"github.com/jar-obfuscator/jobf-go/internal/rename"
	"github.com/jar-obfuscator/jobf-go/internal/stage"
)

// 处理阶段名，用于进度与指标
const (
	PhaseDecode    = "decode"
	PhaseClasspath = "classpath"
	PhaseRename    = "rename"
	PhaseRemap     = "remap"
	PhaseStages    = "stages"
)

// ClasspathLoader 依赖库加载
type ClasspathLoader interface {
	Load(ctx context.Context, paths []string) (map[string]*domain.ClassUnit, error)
}

// ProgressFunc 进度回调
type ProgressFunc func(step string, progress int)

// SerializationError 降级后仍无法序列化，整个处理失败
type SerializationError struct {
	Class string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to serialize %s: %v", e.Class, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// Stats 单次处理统计
type Stats struct {
	Classes                int
	LibraryClasses         int
	Resources              int
	StageFailures          int
	SerializationFallbacks int
	Duration               time.Duration
}

// Result 处理结果
type Result struct {
	// Classes 条目名 → 序列化后的类
	Classes map[string][]byte
	// Resources 非类条目及解析失败的类，原样输出
	Resources map[string][]byte
	Mapping   *rename.Mapping
	// ClassRenames 原内部名 → 新内部名
	ClassRenames map[string]string
	// EntryPoint 清单中入口类的新名称（点分形式），未改名时为空
	EntryPoint string
	Stats      Stats
}

// Entries 合并类与资源为归档条目
func (r *Result) Entries() []archive.Entry {
	entries := make([]archive.Entry, 0, len(r.Classes)+len(r.Resources))
	for name, data := range r.Resources {
		entries = append(entries, archive.Entry{Name: name, Data: data})
	}
	for name, data := range r.Classes {
		entries = append(entries, archive.Entry{Name: name, Data: data})
	}
	return entries
}

// Orchestrator 单次混淆处理的编排器
//
// 配置在创建时校验，每次 Run 使用独立的 Session，可被多个任务并发调用。
type Orchestrator struct {
	cfg       *config.ObfuscationConfig
	loader    ClasspathLoader
	rules     *exclusion.RuleSet
	naming    naming.Options
	scheduler *Scheduler
	metrics   *metrics.Metrics
	logger    *logrus.Logger
}

// NewOrchestrator 创建编排器，loader 与 m 可以为 nil
func NewOrchestrator(cfg *config.ObfuscationConfig, loader ClasspathLoader, m *metrics.Metrics, logger *logrus.Logger) (*Orchestrator, error) {
	rules, err := exclusion.NewRuleSet(cfg.Exclusions.Classes, cfg.Exclusions.Methods, cfg.Exclusions.Fields)
	if err != nil {
		return nil, fmt.Errorf("invalid exclusions: %w", err)
	}
	if _, err := stage.Build(cfg.Stages, stage.Deps{}); err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:       cfg,
		loader:    loader,
		rules:     rules,
		naming:    cfg.NamingOptions(logger),
		scheduler: NewScheduler(cfg.Threads, logger),
		metrics:   m,
		logger:    logger,
	}, nil
}

// Run 处理一个归档的全部条目
func (o *Orchestrator) Run(ctx context.Context, entries []archive.Entry, progress ProgressFunc) (result *Result, err error) {
	start := time.Now()
	if progress == nil {
		progress = func(string, int) {}
	}
	s := newSession(o.naming, o.logger)
	defer s.Close()
	defer func() {
		status := "completed"
		if err != nil {
			status = "failed"
		}
		o.metrics.RecordRun(status, time.Since(start))
	}()

	// 1. 解析输入
	progress("正在解析输入", 5)
	phase := time.Now()
	o.decode(s, entries)
	o.metrics.RecordPhase(PhaseDecode, time.Since(phase))

	// 2. 加载依赖库
	progress("正在加载依赖库", 15)
	phase = time.Now()
	if o.loader != nil && len(o.cfg.Libraries) > 0 {
		s.Classpath, err = o.loader.Load(ctx, o.cfg.Libraries)
		if err != nil {
			return nil, fmt.Errorf("load classpath: %w", err)
		}
	}
	o.metrics.RecordPhase(PhaseClasspath, time.Since(phase))
	o.metrics.UpdateLibraryClasses(len(s.Classpath))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 3. 计算重命名
	progress("正在计算重命名", 35)
	phase = time.Now()
	mapping := rename.NewMapping()
	s.init(o.cfg.Strict)
	if o.cfg.Rename.Enabled {
		engine := rename.NewEngine(s.Hierarchy, o.rules, s.Names, o.cfg.RenameOptions(), s.Tracker, o.logger)
		mapping, err = engine.Run(s.Units)
		if err != nil {
			return nil, err
		}
	}
	o.metrics.RecordPhase(PhaseRename, time.Since(phase))
	classes, methods, fields := mapping.Counts()
	o.metrics.RecordRenames(classes, methods, fields)

	// 4. 应用映射
	progress("正在应用映射", 55)
	phase = time.Now()
	if classes+methods+fields > 0 {
		if err := o.remap(ctx, s, mapping); err != nil {
			return nil, err
		}
	}
	o.metrics.RecordPhase(PhaseRemap, time.Since(phase))

	// 5. 逐类执行变换阶段并序列化
	progress("正在执行变换阶段", 75)
	phase = time.Now()
	out, err := o.transform(ctx, s)
	if err != nil {
		return nil, err
	}
	o.metrics.RecordPhase(PhaseStages, time.Since(phase))
	o.metrics.RecordClassesProcessed(len(out))

	result = &Result{
		Classes:      out,
		Resources:    s.Resources,
		Mapping:      mapping,
		ClassRenames: make(map[string]string, len(mapping.Classes)),
		Stats: Stats{
			Classes:                len(out),
			LibraryClasses:         len(s.Classpath),
			Resources:              len(s.Resources),
			StageFailures:          int(s.stageFailures.Load()),
			SerializationFallbacks: int(s.fallbacks.Load()),
		},
	}
	for oldName, newName := range mapping.Classes {
		result.ClassRenames[oldName] = newName
	}
	if newMain, ok := s.Tracker.Renamed(); ok {
		result.EntryPoint = newMain
		if manifest, found := s.Resources[archive.ManifestName]; found {
			s.Resources[archive.ManifestName] = archive.RewriteMainClass(manifest, newMain)
		}
	}
	// 资源表已交给结果，Close 不再清空
	s.Resources = nil
	result.Stats.Duration = time.Since(start)

	progress("处理完成", 95)
	o.logger.WithFields(logrus.Fields{
		"classes":        result.Stats.Classes,
		"libraries":      result.Stats.LibraryClasses,
		"resources":      result.Stats.Resources,
		"renamed":        classes,
		"methods":        methods,
		"fields":         fields,
		"stage_failures": result.Stats.StageFailures,
		"fallbacks":      result.Stats.SerializationFallbacks,
		"duration":       result.Stats.Duration,
	}).Info("Obfuscation run finished")
	return result, nil
}

// decode 拆分类与资源，解析失败的类作为资源原样输出
func (o *Orchestrator) decode(s *Session, entries []archive.Entry) {
	for _, e := range entries {
		if !domain.IsClassEntry(e.Name) {
			s.Resources[e.Name] = e.Data
			continue
		}
		unit, err := domain.NewClassUnit(e.Name, e.Data, false)
		if err != nil {
			o.logger.WithFields(logrus.Fields{
				"entry": e.Name,
				"error": err.Error(),
			}).Warn("Class failed to decode, passing through as resource")
			s.Resources[e.Name] = e.Data
			continue
		}
		if _, dup := s.Classes[unit.OriginalName]; dup {
			o.logger.WithFields(logrus.Fields{
				"entry": e.Name,
				"class": unit.OriginalName,
			}).Warn("Duplicate class definition, passing through as resource")
			s.Resources[e.Name] = e.Data
			continue
		}
		s.Classes[unit.OriginalName] = unit
		s.Units = append(s.Units, unit)
	}
	if manifest, ok := s.Resources[archive.ManifestName]; ok {
		s.Tracker = archive.NewEntryPoint(archive.MainClass(manifest))
	}
}

// remap 并行应用映射并按新条目名重建类表
func (o *Orchestrator) remap(ctx context.Context, s *Session, mapping *rename.Mapping) error {
	applier := remap.NewApplier(mapping, s.Classes, s.Classpath, o.logger)
	err := Drain(ctx, o.scheduler, NewQueue(s.Units...), func(_ context.Context, u *domain.ClassUnit) error {
		if err := applier.Apply(u); err != nil {
			o.logger.WithFields(logrus.Fields{
				"class": u.OriginalName,
				"error": err.Error(),
			}).Error("Failed to apply mapping")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.Entries = remap.Table(s.Units)
	return nil
}

// transform 对每个类执行阶段列表并序列化
func (o *Orchestrator) transform(ctx context.Context, s *Session) (map[string][]byte, error) {
	stages, err := stage.Build(o.cfg.Stages, stage.Deps{Names: s.Names, Seed: o.naming.Seed})
	if err != nil {
		return nil, err
	}
	if s.Entries == nil {
		s.Entries = remap.Table(s.Units)
	}

	var outMu sync.Mutex
	out := make(map[string][]byte, len(s.Entries))
	queue := NewQueue[*domain.ClassUnit]()
	for _, u := range s.Units {
		queue.Push(u)
	}
	err = Drain(ctx, o.scheduler, queue, func(_ context.Context, u *domain.ClassUnit) error {
		data, err := o.processClass(s, stages, u)
		if err != nil {
			return err
		}
		outMu.Lock()
		out[u.EntryName] = data
		outMu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// processClass 依次执行阶段，阶段失败只记录日志
//
// 失败阶段留下的部分修改会被撤销，类保持前序成功阶段之后的状态。
func (o *Orchestrator) processClass(s *Session, stages []stage.Stage, u *domain.ClassUnit) ([]byte, error) {
	computeFrames := false
	for _, st := range stages {
		snap := snapshot(u)
		res, err := runStage(st, u)
		if err != nil {
			restore(u, snap)
			s.stageFailures.Add(1)
			o.metrics.RecordStageFailure(st.Name())
			o.logger.WithFields(logrus.Fields{
				"stage": st.Name(),
				"class": u.Name(),
				"error": err.Error(),
			}).Warn("Stage failed, continuing with next stage")
			continue
		}
		computeFrames = computeFrames || res.ComputeFrames
	}

	mode := classfile.ModeMaxs
	if computeFrames {
		mode = classfile.ModeFrames
	}
	data, err := classfile.Encode(u.Class, mode)
	if err == nil {
		return data, nil
	}
	if mode == classfile.ModeMaxs {
		return nil, &SerializationError{Class: u.Name(), Err: err}
	}

	s.fallbacks.Add(1)
	o.metrics.RecordSerializationFallback()
	o.logger.WithFields(logrus.Fields{
		"class": u.Name(),
		"error": err.Error(),
	}).Warn("Frame-sensitive serialization failed, retrying in minimal mode")

	data, err = classfile.Encode(u.Class, classfile.ModeMaxs)
	if err != nil {
		return nil, &SerializationError{Class: u.Name(), Err: err}
	}
	return data, nil
}

// snapshot 以快速模式序列化当前类，失败时返回 nil
func snapshot(u *domain.ClassUnit) []byte {
	data, err := classfile.Encode(u.Class, classfile.ModeMaxs)
	if err != nil {
		return nil
	}
	return data
}

// restore 用快照替换类结构，没有快照时保持原样
func restore(u *domain.ClassUnit, snap []byte) {
	if snap == nil {
		return
	}
	cf, err := classfile.Parse(snap, 0)
	if err != nil {
		return
	}
	u.Class = cf
}

// runStage 执行单个阶段，panic 转为错误
func runStage(st stage.Stage, u *domain.ClassUnit) (res stage.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return st.Process(u)
}

// IsSerializationError 判断是否为序列化失败
func IsSerializationError(err error) (*SerializationError, bool) {
	var serr *SerializationError
	if errors.As(err, &serr) {
		return serr, true
	}
	return nil, false
}
