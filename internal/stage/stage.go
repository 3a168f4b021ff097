// Package stage 定义逐类执行的变换阶段
package stage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jar-obfuscator/jobf-go/internal/domain"
	"github.com/jar-obfuscator/jobf-go/internal/naming"
)

// Result 阶段执行结果
type Result struct {
	// ComputeFrames 序列化时需要校验方法体与栈映射帧
	ComputeFrames bool
}

// Stage 对单个类的变换
//
// Process 只能修改传入的类；同一个 Stage 会被多个工作协程并发调用。
type Stage interface {
	Name() string
	Process(u *domain.ClassUnit) (Result, error)
}

// Deps 阶段的共享依赖
type Deps struct {
	Names *naming.Generator
	Seed  uint64
}

// Factory 创建阶段
type Factory func(Deps) Stage

var registry = map[string]Factory{
	LineNumberRemoverName:    func(Deps) Stage { return LineNumberRemover{} },
	SourceInfoRemoverName:    func(Deps) Stage { return SourceInfoRemover{} },
	LocalVariableRenamerName: func(d Deps) Stage { return &LocalVariableRenamer{names: d.Names} },
	ShuffleMembersName:       func(d Deps) Stage { return &ShuffleMembers{seed: d.Seed} },
	HideMembersName:          func(Deps) Stage { return HideMembers{} },
	InnerClassRemoverName:    func(Deps) Stage { return InnerClassRemover{} },
}

// Available 已注册的阶段名
func Available() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build 按配置顺序创建阶段列表
func Build(names []string, deps Deps) ([]Stage, error) {
	stages := make([]Stage, 0, len(names))
	for _, n := range names {
		factory, ok := registry[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown stage %q (available: %s)", n, strings.Join(Available(), ", "))
		}
		stages = append(stages, factory(deps))
	}
	return stages, nil
}
