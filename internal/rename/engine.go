// Package rename 计算类与成员的重命名映射
package rename

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/jar-obfuscator/jobf-go/internal/classfile"
	"github.com/jar-obfuscator/jobf-go/internal/domain"
	"github.com/jar-obfuscator/jobf-go/internal/exclusion"
	"github.com/jar-obfuscator/jobf-go/internal/hierarchy"
	"github.com/jar-obfuscator/jobf-go/internal/naming"
)

// maxNameAttempts 生成名称冲突时的最大重试次数
const maxNameAttempts = 64

// EntryPointTracker 接收类重命名通知，用于改写清单中的入口类
type EntryPointTracker interface {
	ClassRenamed(oldName, newName string)
}

// Options 引擎配置
type Options struct {
	PackageMode PackageMode
	Packages    []string
	Seed        uint64
}

// Engine 重命名引擎
//
// 必须单线程运行：任何决定都依赖完整的继承图。
type Engine struct {
	builder *hierarchy.Builder
	rules   *exclusion.RuleSet
	names   *naming.Generator
	place   *placement
	tracker EntryPointTracker
	logger  *logrus.Logger

	mapping  *Mapping
	assigned map[string]struct{}
}

// NewEngine 创建引擎，tracker 可以为 nil
func NewEngine(builder *hierarchy.Builder, rules *exclusion.RuleSet, names *naming.Generator, opts Options, tracker EntryPointTracker, logger *logrus.Logger) *Engine {
	return &Engine{
		builder: builder,
		rules:   rules,
		names:   names,
		place:   newPlacement(opts.PackageMode, opts.Packages, opts.Seed),
		tracker: tracker,
		logger:  logger,
	}
}

// Run 计算映射并就地放宽访问权限
//
// 严格模式下非平台类缺失会中止整个过程；单个类的其他异常只记录日志。
func (e *Engine) Run(classes []*domain.ClassUnit) (*Mapping, error) {
	e.mapping = NewMapping()
	e.assigned = make(map[string]struct{})

	units := make([]*domain.ClassUnit, 0, len(classes))
	for _, u := range classes {
		if !u.IsLibrary {
			units = append(units, u)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].OriginalName < units[j].OriginalName })

	hasNode := make(map[string]bool, len(units))
	for _, u := range units {
		node, err := e.builder.Tree(u.OriginalName)
		if err != nil {
			var missing *hierarchy.MissingClassError
			if !errors.As(err, &missing) || !hierarchy.IsPlatformClass(missing.Missing) {
				return nil, fmt.Errorf("build hierarchy for %s: %w", u.OriginalName, err)
			}
			e.logger.WithFields(logrus.Fields{
				"class":   u.OriginalName,
				"missing": missing.Missing,
			}).Info("Platform class not found, continuing without hierarchy")
		}
		hasNode[u.OriginalName] = node != nil
	}

	var nodeless []*domain.ClassUnit
	for _, u := range units {
		if !hasNode[u.OriginalName] {
			nodeless = append(nodeless, u)
			continue
		}
		e.widen(u)
		native := e.renameMembers(u)

		if e.classProtected(u) {
			continue
		}
		if native {
			e.logger.WithField("class", u.OriginalName).Info("Automatically excluded class because it has native methods")
			continue
		}
		e.renameClass(u)
	}

	if len(nodeless) > 0 {
		e.logger.WithField("count", len(nodeless)).Info("Renaming classes without hierarchy information")
	}
	for _, u := range nodeless {
		e.widen(u)
		if e.classProtected(u) || u.HasNativeMethod() {
			continue
		}
		e.renameClass(u)
	}

	classCount, methods, fields := e.mapping.Counts()
	e.logger.WithFields(logrus.Fields{
		"classes": classCount,
		"methods": methods,
		"fields":  fields,
	}).Info("Generated rename mappings")
	return e.mapping, nil
}

// classProtected 类名不可改：被排除，或是 module-info / package-info
func (e *Engine) classProtected(u *domain.ClassUnit) bool {
	name := u.OriginalName
	if name == "module-info" || classfile.SimpleName(name) == "package-info" {
		return true
	}
	if src, ok := e.rules.MatchingClassPattern(name); ok {
		e.logger.WithFields(logrus.Fields{
			"class":   name,
			"pattern": src,
		}).Debug("Class excluded from renaming")
		return true
	}
	return false
}

// widen 放宽成员访问权限；只有类与成员同时被排除时才跳过
func (e *Engine) widen(u *domain.ClassUnit) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("class", u.OriginalName).Errorf("Visibility widening failed: %v", r)
		}
	}()

	cf := u.Class
	excluded := e.rules.ClassExcluded(u.OriginalName)
	for _, m := range cf.Methods {
		name := cf.MemberName(m)
		if name == "<clinit>" || (excluded && e.rules.MethodExcluded(u.OriginalName, name)) {
			continue
		}
		m.Access = widenAccess(m.Access)
	}
	for _, f := range cf.Fields {
		if excluded && e.rules.FieldExcluded(u.OriginalName, cf.MemberName(f)) {
			continue
		}
		f.Access = widenAccess(f.Access)
	}
}

func widenAccess(access uint16) uint16 {
	return access&^(classfile.AccPrivate|classfile.AccProtected) | classfile.AccPublic
}

// reservedMethod 虚拟机或启动器按名称查找的方法
func reservedMethod(name string) bool {
	switch name {
	case "<init>", "<clinit>", "main", "premain", "agentmain":
		return true
	}
	return false
}

// renameMembers 为类中可安全改名的方法与字段生成映射，返回是否含有 native 方法
func (e *Engine) renameMembers(u *domain.ClassUnit) bool {
	cf := u.Class
	owner := u.OriginalName
	protected := e.classProtected(u)
	native := false

	for _, m := range cf.Methods {
		name, desc := cf.MemberName(m), cf.MemberDesc(m)
		if reservedMethod(name) {
			continue
		}
		if m.Access&classfile.AccNative != 0 {
			native = true
			continue
		}
		if protected || cf.IsAnnotation() || e.rules.MethodExcluded(owner, name) || e.mapping.HasMember(owner, name, desc) {
			continue
		}
		e.renameMember(domain.MappingKindMethod, owner, name, desc)
	}

	for _, f := range cf.Fields {
		name, desc := cf.MemberName(f), cf.MemberDesc(f)
		if f.Access&classfile.AccEnum != 0 {
			continue
		}
		if protected || e.rules.FieldExcluded(owner, name) || e.mapping.HasMember(owner, name, desc) {
			continue
		}
		e.renameMember(domain.MappingKindField, owner, name, desc)
	}
	return native
}

func (e *Engine) renameMember(kind domain.MappingKind, owner, name, desc string) {
	component, ok := e.canRename(kind, owner, name, desc)
	if !ok {
		return
	}
	newName, ok := e.freshName(kind, component, desc)
	if !ok {
		e.logger.WithFields(logrus.Fields{
			"owner": owner,
			"name":  name,
			"desc":  desc,
		}).Warn("Could not generate a non-conflicting name, member keeps its name")
		return
	}
	e.propagate(kind, owner, name, desc, newName)
}

// canRename 遍历与声明类相连的继承分量，判断成员能否改名
//
// 待处理类沿父类与子类双向遍历；依赖库只检查是否声明了同签名成员并继续向上，
// 不向下展开（否则会经由 java/lang/Object 连通所有类）。
// 返回遍历到的节点，供名称冲突检查使用。
func (e *Engine) canRename(kind domain.MappingKind, owner, name, desc string) ([]*hierarchy.Node, bool) {
	visited := make(map[string]struct{})
	var component []*hierarchy.Node
	stack := []string{owner}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[cur]; ok {
			continue
		}
		visited[cur] = struct{}{}

		node, err := e.builder.Tree(cur)
		if err != nil || node == nil {
			return nil, false
		}
		if node.MissingSuperClass {
			return nil, false
		}
		component = append(component, node)

		if cur != owner && e.mapping.HasMember(cur, name, desc) {
			continue
		}

		member := findMember(node.Unit, kind, name, desc)
		if node.Unit.IsLibrary {
			if member != nil {
				return nil, false
			}
			stack = append(stack, node.Parents...)
			continue
		}
		if member != nil && cur != owner && e.memberProtected(kind, node.Unit, member) {
			return nil, false
		}
		stack = append(stack, node.Parents...)
		stack = append(stack, node.Subs...)
	}
	return component, true
}

// memberProtected 分量中另一处声明是否禁止改名
func (e *Engine) memberProtected(kind domain.MappingKind, u *domain.ClassUnit, m *classfile.Member) bool {
	cf := u.Class
	name := cf.MemberName(m)
	if e.classProtected(u) {
		return true
	}
	if kind == domain.MappingKindMethod {
		return m.Access&classfile.AccNative != 0 || cf.IsAnnotation() || e.rules.MethodExcluded(u.OriginalName, name)
	}
	return m.Access&classfile.AccEnum != 0 || e.rules.FieldExcluded(u.OriginalName, name)
}

// freshName 生成在整个分量中不与同描述符成员冲突的名称
func (e *Engine) freshName(kind domain.MappingKind, component []*hierarchy.Node, desc string) (string, bool) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		var candidate string
		if kind == domain.MappingKindMethod {
			candidate = e.names.MethodName()
		} else {
			candidate = e.names.FieldName()
		}
		if !e.nameTaken(kind, component, candidate, desc) {
			return candidate, true
		}
	}
	return "", false
}

func (e *Engine) nameTaken(kind domain.MappingKind, component []*hierarchy.Node, candidate, desc string) bool {
	for _, node := range component {
		cf := node.Unit.Class
		members := cf.Fields
		if kind == domain.MappingKindMethod {
			members = cf.Methods
		}
		for _, m := range members {
			if cf.MemberDesc(m) != desc {
				continue
			}
			final := cf.MemberName(m)
			if mapped, ok := e.mapping.Member(node.Unit.OriginalName, final, desc); ok {
				final = mapped
			}
			if final == candidate {
				return true
			}
		}
	}
	return false
}

// propagate 把新名称写入分量中每个声明该签名的待处理类
func (e *Engine) propagate(kind domain.MappingKind, owner, name, desc, newName string) {
	visited := make(map[string]struct{})
	stack := []string{owner}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[cur]; ok {
			continue
		}
		visited[cur] = struct{}{}

		node, err := e.builder.Tree(cur)
		if err != nil || node == nil || node.Unit.IsLibrary {
			continue
		}
		if findMember(node.Unit, kind, name, desc) != nil {
			e.mapping.putMember(kind, cur, name, desc, newName)
		}
		stack = append(stack, node.Parents...)
		stack = append(stack, node.Subs...)
	}
}

// renameClass 按包位置策略分配新类名
func (e *Engine) renameClass(u *domain.ClassUnit) {
	old := u.OriginalName
	pkg := e.place.packageFor(old)

	var newName string
	for attempt := 0; ; attempt++ {
		newName = pkg + e.names.ClassName(pkg)
		_, dup := e.assigned[newName]
		if !dup && e.builder.Lookup(newName) == nil {
			break
		}
		if attempt >= maxNameAttempts {
			e.logger.WithField("class", old).Warn("Could not generate a unique class name, class keeps its name")
			return
		}
	}

	e.assigned[newName] = struct{}{}
	u.Class.Access = widenAccess(u.Class.Access)
	e.mapping.Classes[old] = newName
	if e.tracker != nil {
		e.tracker.ClassRenamed(old, newName)
	}
	e.logger.WithFields(logrus.Fields{
		"from": old,
		"to":   newName,
	}).Debug("Renaming class")
}

func findMember(u *domain.ClassUnit, kind domain.MappingKind, name, desc string) *classfile.Member {
	if kind == domain.MappingKindMethod {
		return u.Class.FindMethod(name, desc)
	}
	return u.Class.FindField(name, desc)
}
