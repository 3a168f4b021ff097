package classfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ParseFlag 解析选项
type ParseFlag uint8

const (
	// SkipCode 丢弃方法体（依赖库只需要结构信息）
	SkipCode ParseFlag = 1 << iota
	// SkipDebug 丢弃调试信息
	SkipDebug
)

var (
	// ErrBadMagic 不是 class 文件
	ErrBadMagic = errors.New("bad class file magic")
	// ErrTruncated 数据不完整
	ErrTruncated = errors.New("truncated class file")
)

var debugAttributes = []string{
	AttrSourceFile,
	AttrSourceDebugExtension,
	AttrLineNumberTable,
	AttrLocalVariableTable,
	AttrLocalVariableTypeTable,
}

type cursor struct {
	b   []byte
	off int
	err error
}

func (r *cursor) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.b) {
		r.err = ErrTruncated
		return false
	}
	return true
}

func (r *cursor) u1() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *cursor) u2() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *cursor) u4() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *cursor) bytes(n int) []byte {
	if n < 0 || !r.need(n) {
		if r.err == nil {
			r.err = ErrTruncated
		}
		return nil
	}
	v := make([]byte, n)
	copy(v, r.b[r.off:r.off+n])
	r.off += n
	return v
}

// Parse 解析 class 文件字节
func Parse(data []byte, flags ParseFlag) (*ClassFile, error) {
	r := &cursor{b: data}
	if r.u4() != Magic {
		if r.err != nil {
			return nil, r.err
		}
		return nil, ErrBadMagic
	}

	cf := &ClassFile{}
	cf.Minor = r.u2()
	cf.Major = r.u2()

	if err := cf.readPool(r); err != nil {
		return nil, err
	}

	cf.Access = r.u2()
	cf.ThisClass = r.u2()
	cf.SuperClass = r.u2()
	n := int(r.u2())
	cf.Interfaces = make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		cf.Interfaces = append(cf.Interfaces, r.u2())
	}

	cf.Fields = readMembers(r)
	cf.Methods = readMembers(r)
	cf.Attributes = readAttributes(r)
	if r.err != nil {
		return nil, r.err
	}
	if cf.ClassNameAt(cf.ThisClass) == "" {
		return nil, fmt.Errorf("invalid this_class index %d", cf.ThisClass)
	}

	if flags&SkipCode != 0 {
		for _, m := range cf.Methods {
			m.Attributes, _ = cf.RemoveAttributes(m.Attributes, AttrCode)
		}
	}
	if flags&SkipDebug != 0 {
		if err := cf.StripDebug(debugAttributes...); err != nil {
			return nil, err
		}
	}
	return cf, nil
}

func (cf *ClassFile) readPool(r *cursor) error {
	count := int(r.u2())
	if count == 0 {
		return fmt.Errorf("empty constant pool")
	}
	cf.Pool = make([]Constant, count)
	for i := 1; i < count; i++ {
		tag := r.u1()
		c := Constant{Tag: tag}
		switch tag {
		case TagUtf8:
			raw := r.bytes(int(r.u2()))
			if r.err != nil {
				return r.err
			}
			s, err := decodeMUTF8(raw)
			if err != nil {
				return fmt.Errorf("constant %d: %w", i, err)
			}
			c.Utf8 = s
		case TagInteger, TagFloat:
			c.Bits = uint64(r.u4())
		case TagLong, TagDouble:
			c.Bits = uint64(r.u4())<<32 | uint64(r.u4())
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			c.First = r.u2()
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
			c.First = r.u2()
			c.Second = r.u2()
		case TagMethodHandle:
			c.Kind = r.u1()
			c.First = r.u2()
		default:
			if r.err != nil {
				return r.err
			}
			return fmt.Errorf("constant %d: unknown tag %d", i, tag)
		}
		cf.Pool[i] = c
		if tag == TagLong || tag == TagDouble {
			i++
		}
	}
	return r.err
}

func readMembers(r *cursor) []*Member {
	n := int(r.u2())
	members := make([]*Member, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		m := &Member{
			Access:    r.u2(),
			NameIndex: r.u2(),
			DescIndex: r.u2(),
		}
		m.Attributes = readAttributes(r)
		members = append(members, m)
	}
	return members
}

func readAttributes(r *cursor) []*Attribute {
	n := int(r.u2())
	attrs := make([]*Attribute, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		nameIdx := r.u2()
		length := r.u4()
		attrs = append(attrs, &Attribute{NameIndex: nameIdx, Info: r.bytes(int(length))})
	}
	return attrs
}

// StripDebug 删除类、成员及方法体中指定的调试属性
func (cf *ClassFile) StripDebug(names ...string) error {
	cf.Attributes, _ = cf.RemoveAttributes(cf.Attributes, names...)
	for _, f := range cf.Fields {
		f.Attributes, _ = cf.RemoveAttributes(f.Attributes, names...)
	}
	for _, m := range cf.Methods {
		m.Attributes, _ = cf.RemoveAttributes(m.Attributes, names...)
		code, attr, err := cf.Code(m)
		if err != nil {
			return fmt.Errorf("method %s%s: %w", cf.MemberName(m), cf.MemberDesc(m), err)
		}
		if code == nil {
			continue
		}
		var removed int
		code.Attributes, removed = cf.RemoveAttributes(code.Attributes, names...)
		if removed > 0 {
			attr.Info = code.Encode()
		}
	}
	return nil
}
