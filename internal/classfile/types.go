package classfile

import "strings"

// Magic class 文件魔数
const Magic = 0xCAFEBABE

// 常量池 tag
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
	TagModule             = 19
	TagPackage            = 20
)

// 访问标志
const (
	AccPublic     = 0x0001
	AccPrivate    = 0x0002
	AccProtected  = 0x0004
	AccStatic     = 0x0008
	AccFinal      = 0x0010
	AccSuper      = 0x0020
	AccBridge     = 0x0040
	AccVarargs    = 0x0080
	AccNative     = 0x0100
	AccInterface  = 0x0200
	AccAbstract   = 0x0400
	AccSynthetic  = 0x1000
	AccAnnotation = 0x2000
	AccEnum       = 0x4000
)

// 常用属性名
const (
	AttrCode                   = "Code"
	AttrSignature              = "Signature"
	AttrSourceFile             = "SourceFile"
	AttrSourceDebugExtension   = "SourceDebugExtension"
	AttrLineNumberTable        = "LineNumberTable"
	AttrLocalVariableTable     = "LocalVariableTable"
	AttrLocalVariableTypeTable = "LocalVariableTypeTable"
	AttrInnerClasses           = "InnerClasses"
	AttrEnclosingMethod        = "EnclosingMethod"
	AttrBootstrapMethods       = "BootstrapMethods"
	AttrStackMapTable          = "StackMapTable"
	AttrRecord                 = "Record"
	AttrDeprecated             = "Deprecated"
	AttrSynthetic              = "Synthetic"
)

// Constant 常量池条目
//
// First/Second 的含义随 Tag 变化：
//   - Class/String/MethodType/Module/Package: First 为 Utf8 下标
//   - Fieldref/Methodref/InterfaceMethodref: First 为 Class 下标，Second 为 NameAndType 下标
//   - NameAndType: First 为名称下标，Second 为描述符下标
//   - MethodHandle: Kind 为引用类型，First 为引用条目下标
//   - Dynamic/InvokeDynamic: First 为 BootstrapMethods 下标，Second 为 NameAndType 下标
//
// Long/Double 之后的占位槽 Tag 为 0。
type Constant struct {
	Tag    uint8
	Utf8   string
	Bits   uint64
	Kind   uint8
	First  uint16
	Second uint16
}

// Attribute 原始属性
type Attribute struct {
	NameIndex uint16
	Info      []byte
}

// Member 字段或方法
type Member struct {
	Access     uint16
	NameIndex  uint16
	DescIndex  uint16
	Attributes []*Attribute
}

// ClassFile 解析后的 class 文件
//
// 常量池只追加不重排，属性内的原始下标在整个处理过程中保持有效。
type ClassFile struct {
	Minor      uint16
	Major      uint16
	Pool       []Constant
	Access     uint16
	ThisClass  uint16
	SuperClass uint16
	Interfaces []uint16
	Fields     []*Member
	Methods    []*Member
	Attributes []*Attribute

	utf8Index map[string]uint16
	natIndex  map[[2]uint16]uint16
}

// Utf8At 返回指定下标的 Utf8 内容，下标无效时返回空串
func (cf *ClassFile) Utf8At(idx uint16) string {
	if int(idx) <= 0 || int(idx) >= len(cf.Pool) || cf.Pool[idx].Tag != TagUtf8 {
		return ""
	}
	return cf.Pool[idx].Utf8
}

// ClassNameAt 返回 Class 条目指向的内部名
func (cf *ClassFile) ClassNameAt(idx uint16) string {
	if int(idx) <= 0 || int(idx) >= len(cf.Pool) || cf.Pool[idx].Tag != TagClass {
		return ""
	}
	return cf.Utf8At(cf.Pool[idx].First)
}

// NameAndTypeAt 返回 NameAndType 条目的名称与描述符
func (cf *ClassFile) NameAndTypeAt(idx uint16) (string, string) {
	if int(idx) <= 0 || int(idx) >= len(cf.Pool) || cf.Pool[idx].Tag != TagNameAndType {
		return "", ""
	}
	c := cf.Pool[idx]
	return cf.Utf8At(c.First), cf.Utf8At(c.Second)
}

// Name 当前类内部名
func (cf *ClassFile) Name() string {
	return cf.ClassNameAt(cf.ThisClass)
}

// SuperName 父类内部名，java/lang/Object 与 module-info 为空
func (cf *ClassFile) SuperName() string {
	if cf.SuperClass == 0 {
		return ""
	}
	return cf.ClassNameAt(cf.SuperClass)
}

// InterfaceNames 实现的接口
func (cf *ClassFile) InterfaceNames() []string {
	names := make([]string, 0, len(cf.Interfaces))
	for _, idx := range cf.Interfaces {
		names = append(names, cf.ClassNameAt(idx))
	}
	return names
}

// MemberName 成员名
func (cf *ClassFile) MemberName(m *Member) string {
	return cf.Utf8At(m.NameIndex)
}

// MemberDesc 成员描述符
func (cf *ClassFile) MemberDesc(m *Member) string {
	return cf.Utf8At(m.DescIndex)
}

// IsInterface 是否为接口
func (cf *ClassFile) IsInterface() bool {
	return cf.Access&AccInterface != 0
}

// IsAnnotation 是否为注解类型
func (cf *ClassFile) IsAnnotation() bool {
	return cf.Access&AccAnnotation != 0
}

// AttributeName 属性名
func (cf *ClassFile) AttributeName(a *Attribute) string {
	return cf.Utf8At(a.NameIndex)
}

// FindAttribute 在属性列表中按名称查找
func (cf *ClassFile) FindAttribute(attrs []*Attribute, name string) *Attribute {
	for _, a := range attrs {
		if cf.AttributeName(a) == name {
			return a
		}
	}
	return nil
}

// RemoveAttributes 删除指定名称的属性，返回新的列表与删除个数
func (cf *ClassFile) RemoveAttributes(attrs []*Attribute, names ...string) ([]*Attribute, int) {
	kept := attrs[:0]
	removed := 0
	for _, a := range attrs {
		if containsString(names, cf.AttributeName(a)) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	return kept, removed
}

// FindMethod 按名称与描述符查找方法
func (cf *ClassFile) FindMethod(name, desc string) *Member {
	return cf.findMember(cf.Methods, name, desc)
}

// FindField 按名称与描述符查找字段
func (cf *ClassFile) FindField(name, desc string) *Member {
	return cf.findMember(cf.Fields, name, desc)
}

func (cf *ClassFile) findMember(members []*Member, name, desc string) *Member {
	for _, m := range members {
		if cf.MemberName(m) == name && cf.MemberDesc(m) == desc {
			return m
		}
	}
	return nil
}

// MemberRef 常量池中的字段/方法引用
type MemberRef struct {
	Index uint16
	Tag   uint8
	Owner string
	Name  string
	Desc  string
}

// MemberRefs 列出常量池中所有字段与方法引用
func (cf *ClassFile) MemberRefs() []MemberRef {
	var refs []MemberRef
	for i, c := range cf.Pool {
		switch c.Tag {
		case TagFieldref, TagMethodref, TagInterfaceMethodref:
			name, desc := cf.NameAndTypeAt(c.Second)
			refs = append(refs, MemberRef{
				Index: uint16(i),
				Tag:   c.Tag,
				Owner: cf.ClassNameAt(c.First),
				Name:  name,
				Desc:  desc,
			})
		}
	}
	return refs
}

// ClassRefs 列出常量池中所有 Class 条目的内部名
func (cf *ClassFile) ClassRefs() []string {
	var names []string
	for i, c := range cf.Pool {
		if c.Tag == TagClass {
			names = append(names, cf.ClassNameAt(uint16(i)))
		}
	}
	return names
}

// PackageOf 返回内部名的包部分（不含末尾斜杠）
func PackageOf(internalName string) string {
	if i := strings.LastIndexByte(internalName, '/'); i >= 0 {
		return internalName[:i]
	}
	return ""
}

// SimpleName 返回内部名最后一段
func SimpleName(internalName string) string {
	return internalName[strings.LastIndexByte(internalName, '/')+1:]
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
