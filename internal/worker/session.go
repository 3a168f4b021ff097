package worker

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/jar-obfuscator/jobf-go/internal/archive"
	"github.com/jar-obfuscator/jobf-go/internal/domain"
	"github.com/jar-obfuscator/jobf-go/internal/hierarchy"
	"github.com/jar-obfuscator/jobf-go/internal/naming"
)

// Session 单次处理的全部状态
//
// 在处理开始时创建，任何退出路径上都由 Close 释放，处理之间不共享状态。
type Session struct {
	// Classes 原内部名 → 待处理类
	Classes map[string]*domain.ClassUnit
	// Units 输入顺序的待处理类
	Units []*domain.ClassUnit
	// Entries 映射后条目名 → 待处理类
	Entries   map[string]*domain.ClassUnit
	Classpath map[string]*domain.ClassUnit
	Resources map[string][]byte
	Hierarchy *hierarchy.Builder
	Names     *naming.Generator
	Tracker   *archive.EntryPoint

	logger        *logrus.Logger
	stageFailures atomic.Int64
	fallbacks     atomic.Int64
}

func newSession(opts naming.Options, logger *logrus.Logger) *Session {
	return &Session{
		Classes:   make(map[string]*domain.ClassUnit),
		Resources: make(map[string][]byte),
		Names:     naming.New(opts, logger),
		logger:    logger,
	}
}

// init 在类表与依赖库就绪后创建继承关系索引
func (s *Session) init(strict bool) {
	s.Hierarchy = hierarchy.NewBuilder(s.Classes, s.Classpath, strict, s.logger)
}

// Close 释放本次处理持有的类与索引
func (s *Session) Close() {
	if s.Hierarchy != nil {
		s.Hierarchy.Reset()
		s.Hierarchy = nil
	}
	if s.Names != nil {
		s.Names.Reset()
	}
	s.Classes = nil
	s.Units = nil
	s.Entries = nil
	s.Classpath = nil
	s.Resources = nil
	s.Tracker = nil
}
