// Package remap 把重命名映射应用到类的全部结构性引用上
package remap

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jar-obfuscator/jobf-go/internal/classfile"
	"github.com/jar-obfuscator/jobf-go/internal/domain"
	"github.com/jar-obfuscator/jobf-go/internal/rename"
)

// Applier 映射应用器
//
// 构造时记录所有类（含依赖库）的原始父类关系，之后只读，可并发调用 Apply。
type Applier struct {
	mapping *rename.Mapping
	parents map[string][]string
	logger  *logrus.Logger
}

// NewApplier 创建应用器，必须在任何类被改写之前调用
func NewApplier(mapping *rename.Mapping, classes, classpath map[string]*domain.ClassUnit, logger *logrus.Logger) *Applier {
	parents := make(map[string][]string, len(classes)+len(classpath))
	for name, u := range classpath {
		parents[name] = u.ParentNames()
	}
	for name, u := range classes {
		parents[name] = u.ParentNames()
	}
	return &Applier{mapping: mapping, parents: parents, logger: logger}
}

// ClassName 映射类名
func (a *Applier) ClassName(name string) string {
	return a.mapping.Class(name)
}

// MemberName 解析成员引用的新名称
//
// 引用的所有者未声明该成员时沿原始父类关系广度优先查找第一个有映射的祖先。
func (a *Applier) MemberName(owner, name, desc string) string {
	if strings.HasPrefix(owner, "[") || strings.HasPrefix(name, "<") {
		return name
	}
	seen := map[string]struct{}{owner: {}}
	queue := []string{owner}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if n, ok := a.mapping.Member(cur, name, desc); ok {
			return n
		}
		for _, p := range a.parents[cur] {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				queue = append(queue, p)
			}
		}
	}
	return name
}

func (a *Applier) descriptor(desc string) string {
	return classfile.MapDescriptor(desc, a.mapping.Class)
}

// Apply 改写一个待处理类并刷新其条目名与字节缓存
//
// 出错时类可能已被部分改写。
func (a *Applier) Apply(u *domain.ClassUnit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remap %s: panic: %v", u.OriginalName, r)
		}
	}()

	rw := &rewriter{a: a, cf: u.Class, owner: u.OriginalName}
	if err := rw.run(); err != nil {
		return fmt.Errorf("remap %s: %w", u.OriginalName, err)
	}

	u.EntryName = domain.EntryNameOf(u.Class.Name())
	raw, err := classfile.Encode(u.Class, classfile.ModeMaxs)
	if err != nil {
		return fmt.Errorf("encode %s: %w", u.OriginalName, err)
	}
	u.Raw = raw
	return nil
}

// Table 按当前条目名建立类表
func Table(units []*domain.ClassUnit) map[string]*domain.ClassUnit {
	table := make(map[string]*domain.ClassUnit, len(units))
	for _, u := range units {
		if !u.IsLibrary {
			table[u.EntryName] = u
		}
	}
	return table
}

// rewriter 单个类的改写过程
//
// orig 为改写前的常量池快照。Utf8 条目从不原位修改，所以旧下标上的字符串始终可读。
type rewriter struct {
	a     *Applier
	cf    *classfile.ClassFile
	owner string
	orig  []classfile.Constant
}

func (rw *rewriter) origClass(idx uint16) string {
	if int(idx) <= 0 || int(idx) >= len(rw.orig) || rw.orig[idx].Tag != classfile.TagClass {
		return ""
	}
	return rw.cf.Utf8At(rw.orig[idx].First)
}

func (rw *rewriter) origNameAndType(idx uint16) (string, string) {
	if int(idx) <= 0 || int(idx) >= len(rw.orig) || rw.orig[idx].Tag != classfile.TagNameAndType {
		return "", ""
	}
	return rw.cf.Utf8At(rw.orig[idx].First), rw.cf.Utf8At(rw.orig[idx].Second)
}

func (rw *rewriter) utf8(s string) uint16 {
	return rw.cf.Utf8Index(s)
}

func (rw *rewriter) desc(idx uint16) uint16 {
	old := rw.cf.Utf8At(idx)
	if mapped := rw.a.descriptor(old); mapped != old {
		return rw.utf8(mapped)
	}
	return idx
}

func (rw *rewriter) run() error {
	cf := rw.cf
	rw.orig = append([]classfile.Constant(nil), cf.Pool...)

	lambdaNames, err := rw.lambdaNames()
	if err != nil {
		return err
	}

	// 只遍历快照范围，追加的新条目无需处理
	for i := 1; i < len(rw.orig); i++ {
		c := rw.orig[i]
		switch c.Tag {
		case classfile.TagClass:
			old := cf.Utf8At(c.First)
			if mapped := classfile.MapClassName(old, rw.a.mapping.Class); mapped != old {
				cf.Pool[i].First = rw.utf8(mapped)
			}
		case classfile.TagMethodType:
			cf.Pool[i].First = rw.desc(c.First)
		case classfile.TagFieldref, classfile.TagMethodref, classfile.TagInterfaceMethodref:
			owner := rw.origClass(c.First)
			name, desc := rw.origNameAndType(c.Second)
			newName := rw.a.MemberName(owner, name, desc)
			newDesc := rw.a.descriptor(desc)
			if newName != name || newDesc != desc {
				cf.Pool[i].Second = cf.NameAndTypeIndex(newName, newDesc)
			}
		case classfile.TagInvokeDynamic, classfile.TagDynamic:
			name, desc := rw.origNameAndType(c.Second)
			newName := name
			if n, ok := lambdaNames[uint16(i)]; ok {
				newName = n
			}
			newDesc := rw.a.descriptor(desc)
			if newName != name || newDesc != desc {
				cf.Pool[i].Second = cf.NameAndTypeIndex(newName, newDesc)
			}
		}
	}

	for _, f := range cf.Fields {
		if err := rw.member(f, false); err != nil {
			return err
		}
	}
	for _, m := range cf.Methods {
		if err := rw.member(m, true); err != nil {
			return err
		}
	}
	return rw.classAttributes()
}

// lambdaNames 计算 LambdaMetafactory 调用点的新名称
//
// 调用点名称是函数式接口方法名；接口取自调用点描述符的返回类型，
// 方法描述符取自第一个引导参数（擦除后的接口方法类型）。
func (rw *rewriter) lambdaNames() (map[uint16]string, error) {
	cf := rw.cf
	bootstraps, err := cf.BootstrapMethods()
	if err != nil || bootstraps == nil {
		return nil, err
	}
	names := make(map[uint16]string)
	for i, c := range rw.orig {
		if c.Tag != classfile.TagInvokeDynamic || int(c.First) >= len(bootstraps) {
			continue
		}
		bsm := bootstraps[c.First]
		if !rw.isLambdaBootstrap(bsm) || len(bsm.Args) == 0 || int(bsm.Args[0]) >= len(rw.orig) {
			continue
		}
		samType := rw.orig[bsm.Args[0]]
		if samType.Tag != classfile.TagMethodType {
			continue
		}
		name, desc := rw.origNameAndType(c.Second)
		iface, ok := classfile.ObjectType(classfile.ReturnType(desc))
		if !ok {
			continue
		}
		if n := rw.a.MemberName(iface, name, cf.Utf8At(samType.First)); n != name {
			names[uint16(i)] = n
		}
	}
	return names, nil
}

func (rw *rewriter) isLambdaBootstrap(bsm classfile.BootstrapMethod) bool {
	if int(bsm.MethodRef) >= len(rw.orig) {
		return false
	}
	handle := rw.orig[bsm.MethodRef]
	if handle.Tag != classfile.TagMethodHandle || int(handle.First) >= len(rw.orig) {
		return false
	}
	ref := rw.orig[handle.First]
	return rw.origClass(ref.First) == classfile.LambdaMetafactory
}

// member 改写成员名、描述符及其属性
func (rw *rewriter) member(m *classfile.Member, method bool) error {
	cf := rw.cf
	name, desc := cf.MemberName(m), cf.MemberDesc(m)
	if n, ok := rw.a.mapping.Member(rw.owner, name, desc); ok {
		m.NameIndex = rw.utf8(n)
	}
	m.DescIndex = rw.desc(m.DescIndex)

	if err := rw.attributes(m.Attributes); err != nil {
		return fmt.Errorf("member %s%s: %w", name, desc, err)
	}
	if !method {
		return nil
	}

	code, attr, err := cf.Code(m)
	if err != nil || code == nil {
		return err
	}
	changed := false
	for _, ca := range code.Attributes {
		switch cf.AttributeName(ca) {
		case classfile.AttrLocalVariableTable:
			info, err := rw.localVariables(ca.Info, rw.desc)
			if err != nil {
				return err
			}
			ca.Info, changed = info, true
		case classfile.AttrLocalVariableTypeTable:
			info, err := rw.localVariables(ca.Info, rw.signature)
			if err != nil {
				return err
			}
			ca.Info, changed = info, true
		case classfile.AttrRuntimeVisibleTypeAnnotations, classfile.AttrRuntimeInvisibleTypeAnnotations:
			info, err := classfile.RemapAnnotations(cf.AttributeName(ca), ca.Info, rw.desc)
			if err != nil {
				return err
			}
			ca.Info, changed = info, true
		}
	}
	if changed {
		attr.Info = code.Encode()
	}
	return nil
}

func (rw *rewriter) localVariables(info []byte, remap func(uint16) uint16) ([]byte, error) {
	vars, err := classfile.ParseLocalVariables(info)
	if err != nil {
		return nil, fmt.Errorf("local variables: %w", err)
	}
	for i := range vars {
		vars[i].DescIndex = remap(vars[i].DescIndex)
	}
	return classfile.EncodeLocalVariables(vars), nil
}

// signature 改写泛型签名；无法解析的签名保持原样
func (rw *rewriter) signature(idx uint16) uint16 {
	old := rw.cf.Utf8At(idx)
	mapped, err := classfile.MapSignature(old, rw.a.mapping.Class)
	if err != nil {
		rw.a.logger.WithError(err).WithField("class", rw.owner).Warn("Leaving malformed signature unchanged")
		return idx
	}
	if mapped == old {
		return idx
	}
	return rw.utf8(mapped)
}

// attributes 处理类、成员与记录组件共有的属性
func (rw *rewriter) attributes(attrs []*classfile.Attribute) error {
	for _, attr := range attrs {
		name := rw.cf.AttributeName(attr)
		switch {
		case name == classfile.AttrSignature:
			if len(attr.Info) != 2 {
				return fmt.Errorf("signature attribute length %d", len(attr.Info))
			}
			idx := rw.signature(binary.BigEndian.Uint16(attr.Info))
			attr.Info = binary.BigEndian.AppendUint16(nil, idx)
		case classfile.IsAnnotationAttribute(name):
			info, err := classfile.RemapAnnotations(name, attr.Info, rw.desc)
			if err != nil {
				return err
			}
			attr.Info = info
		}
	}
	return nil
}

func (rw *rewriter) classAttributes() error {
	cf := rw.cf
	if err := rw.attributes(cf.Attributes); err != nil {
		return err
	}
	for _, attr := range cf.Attributes {
		switch cf.AttributeName(attr) {
		case classfile.AttrEnclosingMethod:
			if len(attr.Info) != 4 {
				return fmt.Errorf("enclosing method attribute length %d", len(attr.Info))
			}
			classIdx := binary.BigEndian.Uint16(attr.Info)
			natIdx := binary.BigEndian.Uint16(attr.Info[2:])
			if natIdx == 0 {
				continue
			}
			name, desc := rw.origNameAndType(natIdx)
			newName := rw.a.MemberName(rw.origClass(classIdx), name, desc)
			newDesc := rw.a.descriptor(desc)
			if newName != name || newDesc != desc {
				natIdx = cf.NameAndTypeIndex(newName, newDesc)
			}
			attr.Info = binary.BigEndian.AppendUint16(binary.BigEndian.AppendUint16(nil, classIdx), natIdx)
		case classfile.AttrInnerClasses:
			entries, err := classfile.ParseInnerClasses(attr.Info)
			if err != nil {
				return fmt.Errorf("inner classes: %w", err)
			}
			for i, e := range entries {
				if e.InnerNameIndex == 0 {
					continue
				}
				old := rw.origClass(e.InnerClassIndex)
				mapped := rw.a.mapping.Class(old)
				if mapped == old {
					continue
				}
				entries[i].InnerNameIndex = rw.utf8(innerSimpleName(mapped))
			}
			attr.Info = classfile.EncodeInnerClasses(entries)
		case classfile.AttrRecord:
			components, err := classfile.ParseRecord(attr.Info)
			if err != nil {
				return err
			}
			for i := range components {
				components[i].DescIndex = rw.desc(components[i].DescIndex)
				if err := rw.attributes(components[i].Attributes); err != nil {
					return fmt.Errorf("record component: %w", err)
				}
			}
			attr.Info = classfile.EncodeRecord(components)
		}
	}
	return nil
}

// innerSimpleName 内部类新的简单名：最后一个 $ 之后的部分
func innerSimpleName(name string) string {
	simple := classfile.SimpleName(name)
	if i := strings.LastIndexByte(simple, '$'); i >= 0 && i+1 < len(simple) {
		return simple[i+1:]
	}
	return simple
}
