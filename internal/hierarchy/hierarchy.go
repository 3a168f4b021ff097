// Package hierarchy 构建类继承关系图
package hierarchy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jar-obfuscator/jobf-go/internal/domain"
)

// ErrCyclicHierarchy 继承关系成环
var ErrCyclicHierarchy = errors.New("cyclic class hierarchy")

// MissingClassError 严格模式下父类或接口无法解析
type MissingClassError struct {
	Missing      string
	ReferencedIn string
}

func (e *MissingClassError) Error() string {
	return fmt.Sprintf("%s (referenced in %s) is missing in the classpath", e.Missing, e.ReferencedIn)
}

// IsPlatformClass 是否属于平台命名空间
func IsPlatformClass(name string) bool {
	return strings.HasPrefix(name, "java/") || strings.HasPrefix(name, "javax/")
}

// Node 一个类在继承图中的节点
type Node struct {
	Unit *domain.ClassUnit
	// Parents 已解析的父类与接口
	Parents []string
	// Subs 直接子类与实现类
	Subs []string
	// MissingSuperClass 祖先中存在无法解析的类，向下传递
	MissingSuperClass bool
}

// Name 节点对应的原始内部名
func (n *Node) Name() string {
	return n.Unit.OriginalName
}

// Builder 按需构建并缓存节点，单线程使用
type Builder struct {
	classes   map[string]*domain.ClassUnit
	classpath map[string]*domain.ClassUnit
	strict    bool
	logger    *logrus.Logger

	nodes    map[string]*Node
	reported map[string]struct{}
}

// NewBuilder 创建构建器
//
// classes 为待处理的类（按原始内部名索引），classpath 为依赖库；同名时以待处理类为准。
func NewBuilder(classes, classpath map[string]*domain.ClassUnit, strict bool, logger *logrus.Logger) *Builder {
	return &Builder{
		classes:   classes,
		classpath: classpath,
		strict:    strict,
		logger:    logger,
		nodes:     make(map[string]*Node),
		reported:  make(map[string]struct{}),
	}
}

// Lookup 在已知类中查找
func (b *Builder) Lookup(name string) *domain.ClassUnit {
	if u, ok := b.classes[name]; ok {
		return u
	}
	if u, ok := b.classpath[name]; ok {
		return u
	}
	return nil
}

// Size 已构建的节点数
func (b *Builder) Size() int {
	return len(b.nodes)
}

// Reset 清空缓存
func (b *Builder) Reset() {
	b.nodes = make(map[string]*Node)
	b.reported = make(map[string]struct{})
}

const (
	unvisited = iota
	visiting
)

// Tree 返回类的节点，必要时先构建其全部祖先
//
// 未知的类返回 nil。使用显式工作栈，不依赖递归深度。
func (b *Builder) Tree(name string) (*Node, error) {
	if n, ok := b.nodes[name]; ok {
		return n, nil
	}
	if b.Lookup(name) == nil {
		return nil, nil
	}

	state := map[string]int{}
	stack := []string{name}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		if _, done := b.nodes[cur]; done {
			stack = stack[:len(stack)-1]
			continue
		}
		unit := b.Lookup(cur)

		if state[cur] == unvisited {
			state[cur] = visiting
			for _, p := range unit.ParentNames() {
				if _, done := b.nodes[p]; done || b.Lookup(p) == nil {
					continue
				}
				if state[p] == visiting {
					return nil, fmt.Errorf("%w: %s -> %s", ErrCyclicHierarchy, cur, p)
				}
				stack = append(stack, p)
			}
			continue
		}

		stack = stack[:len(stack)-1]
		node, err := b.link(cur, unit)
		if err != nil {
			return nil, err
		}
		b.nodes[cur] = node
	}
	return b.nodes[name], nil
}

// link 在所有父节点就绪后创建节点并登记子类关系
//
// 严格模式下先向全部已解析的父节点登记子类再报告缺失，
// 父节点一侧的遍历因此能看到该类并阻止重命名。
func (b *Builder) link(name string, unit *domain.ClassUnit) (*Node, error) {
	node := &Node{Unit: unit}
	var missing *MissingClassError
	for _, p := range unit.ParentNames() {
		parent, ok := b.nodes[p]
		if !ok {
			if b.strict {
				if missing == nil {
					missing = &MissingClassError{Missing: p, ReferencedIn: name}
				}
				continue
			}
			node.MissingSuperClass = true
			b.reportMissing(p, name)
			continue
		}
		if containsName(node.Parents, p) {
			continue
		}
		node.Parents = append(node.Parents, p)
		node.MissingSuperClass = node.MissingSuperClass || parent.MissingSuperClass
		if !containsName(parent.Subs, name) {
			parent.Subs = append(parent.Subs, name)
		}
	}
	if missing != nil {
		return nil, missing
	}
	return node, nil
}

func (b *Builder) reportMissing(missing, referencedIn string) {
	if _, ok := b.reported[missing]; ok {
		return
	}
	b.reported[missing] = struct{}{}
	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"missing":       missing,
			"referenced_in": referencedIn,
		}).Warn("Class is missing in the classpath, member renames in its hierarchy are disabled")
	}
}

func containsName(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
