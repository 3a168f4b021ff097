package domain

import (
	"strings"

	"github.com/jar-obfuscator/jobf-go/internal/classfile"
)

// ClassSuffix class 条目后缀
const ClassSuffix = ".class"

// ClassUnit 一个已解析的类
type ClassUnit struct {
	// EntryName 归档中的条目名（重命名后更新）
	EntryName string
	// OriginalName 解析时的内部名，整个处理过程中不变
	OriginalName string
	// IsLibrary 来自依赖库，只用于解析继承关系，不改写也不输出
	IsLibrary bool
	Class     *classfile.ClassFile
	// Raw 最近一次序列化的字节
	Raw []byte
}

// NewClassUnit 解析字节创建 ClassUnit
func NewClassUnit(entryName string, data []byte, library bool) (*ClassUnit, error) {
	flags := classfile.ParseFlag(0)
	if library {
		flags = classfile.SkipCode | classfile.SkipDebug
	}
	cf, err := classfile.Parse(data, flags)
	if err != nil {
		return nil, err
	}
	unit := &ClassUnit{
		EntryName:    entryName,
		OriginalName: cf.Name(),
		IsLibrary:    library,
		Class:        cf,
	}
	if !library {
		unit.Raw = data
	}
	return unit, nil
}

// Name 当前内部名
func (u *ClassUnit) Name() string {
	return u.Class.Name()
}

// SuperName 父类内部名
func (u *ClassUnit) SuperName() string {
	return u.Class.SuperName()
}

// Interfaces 接口内部名
func (u *ClassUnit) Interfaces() []string {
	return u.Class.InterfaceNames()
}

// ParentNames 父类与接口，父类在前
func (u *ClassUnit) ParentNames() []string {
	parents := make([]string, 0, 1+len(u.Class.Interfaces))
	if s := u.SuperName(); s != "" {
		parents = append(parents, s)
	}
	return append(parents, u.Interfaces()...)
}

// DeclaresMethod 是否声明了指定签名的方法
func (u *ClassUnit) DeclaresMethod(name, desc string) bool {
	return u.Class.FindMethod(name, desc) != nil
}

// DeclaresField 是否声明了指定签名的字段
func (u *ClassUnit) DeclaresField(name, desc string) bool {
	return u.Class.FindField(name, desc) != nil
}

// HasNativeMethod 是否含有 native 方法
func (u *ClassUnit) HasNativeMethod() bool {
	for _, m := range u.Class.Methods {
		if m.Access&classfile.AccNative != 0 {
			return true
		}
	}
	return false
}

// IsClassEntry 判断条目是否为 class 文件
func IsClassEntry(name string) bool {
	return strings.HasSuffix(name, ClassSuffix) && !strings.HasSuffix(name, "/")
}

// EntryNameOf 内部名对应的条目名
func EntryNameOf(internalName string) string {
	return internalName + ClassSuffix
}
