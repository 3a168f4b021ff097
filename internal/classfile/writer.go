package classfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WriteMode 序列化模式
type WriteMode int

const (
	// ModeMaxs 快速模式，按原样输出
	ModeMaxs WriteMode = iota
	// ModeFrames 输出前校验方法体与异常表的一致性
	ModeFrames
)

func (m WriteMode) String() string {
	if m == ModeFrames {
		return "frames"
	}
	return "maxs"
}

// ErrPoolOverflow 常量池超出上限
var ErrPoolOverflow = errors.New("constant pool overflow")

type writer struct {
	buf []byte
}

func (w *writer) u1(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u2(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) u4(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writer) attributes(attrs []*Attribute) {
	w.u2(uint16(len(attrs)))
	for _, a := range attrs {
		w.u2(a.NameIndex)
		w.u4(uint32(len(a.Info)))
		w.raw(a.Info)
	}
}

// Encode 序列化 class 文件
func Encode(cf *ClassFile, mode WriteMode) ([]byte, error) {
	if err := cf.checkLimits(); err != nil {
		return nil, err
	}
	if mode == ModeFrames {
		if err := cf.Validate(); err != nil {
			return nil, err
		}
	}

	w := &writer{buf: make([]byte, 0, 4096)}
	w.u4(Magic)
	w.u2(cf.Minor)
	w.u2(cf.Major)

	w.u2(uint16(len(cf.Pool)))
	for i := 1; i < len(cf.Pool); i++ {
		c := cf.Pool[i]
		w.u1(c.Tag)
		switch c.Tag {
		case TagUtf8:
			enc := encodeMUTF8(c.Utf8)
			if len(enc) > math.MaxUint16 {
				return nil, fmt.Errorf("constant %d: utf8 too long (%d bytes)", i, len(enc))
			}
			w.u2(uint16(len(enc)))
			w.raw(enc)
		case TagInteger, TagFloat:
			w.u4(uint32(c.Bits))
		case TagLong, TagDouble:
			w.u4(uint32(c.Bits >> 32))
			w.u4(uint32(c.Bits))
			i++
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			w.u2(c.First)
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
			w.u2(c.First)
			w.u2(c.Second)
		case TagMethodHandle:
			w.u1(c.Kind)
			w.u2(c.First)
		default:
			return nil, fmt.Errorf("constant %d: unknown tag %d", i, c.Tag)
		}
	}

	w.u2(cf.Access)
	w.u2(cf.ThisClass)
	w.u2(cf.SuperClass)
	w.u2(uint16(len(cf.Interfaces)))
	for _, idx := range cf.Interfaces {
		w.u2(idx)
	}
	for _, members := range [][]*Member{cf.Fields, cf.Methods} {
		w.u2(uint16(len(members)))
		for _, m := range members {
			w.u2(m.Access)
			w.u2(m.NameIndex)
			w.u2(m.DescIndex)
			w.attributes(m.Attributes)
		}
	}
	w.attributes(cf.Attributes)
	return w.buf, nil
}

func (cf *ClassFile) checkLimits() error {
	if len(cf.Pool) > math.MaxUint16 {
		return fmt.Errorf("%w: %d entries", ErrPoolOverflow, len(cf.Pool))
	}
	if len(cf.Fields) > math.MaxUint16 || len(cf.Methods) > math.MaxUint16 || len(cf.Interfaces) > math.MaxUint16 {
		return fmt.Errorf("too many members in %s", cf.Name())
	}
	return nil
}

// Validate 校验每个方法体的长度与异常表
func (cf *ClassFile) Validate() error {
	for _, m := range cf.Methods {
		code, _, err := cf.Code(m)
		if err != nil {
			return fmt.Errorf("%s.%s%s: %w", cf.Name(), cf.MemberName(m), cf.MemberDesc(m), err)
		}
		if code == nil {
			continue
		}
		if err := cf.validateCode(code); err != nil {
			return fmt.Errorf("%s.%s%s: %w", cf.Name(), cf.MemberName(m), cf.MemberDesc(m), err)
		}
	}
	return nil
}

func (cf *ClassFile) validateCode(code *Code) error {
	n := len(code.Bytecode)
	if n == 0 || n > math.MaxUint16 {
		return fmt.Errorf("invalid code length %d", n)
	}
	for i, e := range code.Exceptions {
		if e.StartPC >= e.EndPC || int(e.EndPC) > n {
			return fmt.Errorf("exception entry %d: invalid range [%d,%d)", i, e.StartPC, e.EndPC)
		}
		if int(e.HandlerPC) >= n {
			return fmt.Errorf("exception entry %d: handler %d out of code", i, e.HandlerPC)
		}
		if e.CatchType != 0 && cf.ClassNameAt(e.CatchType) == "" {
			return fmt.Errorf("exception entry %d: catch type %d is not a class", i, e.CatchType)
		}
	}
	return nil
}
