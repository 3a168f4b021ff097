package classfile

import (
	"encoding/binary"
	"fmt"
)

// Code 方法体
type Code struct {
	MaxStack   uint16
	MaxLocals  uint16
	Bytecode   []byte
	Exceptions []ExceptionHandler
	Attributes []*Attribute
}

// ExceptionHandler 异常表条目
type ExceptionHandler struct {
	StartPC   uint16
	EndPC     uint16
	HandlerPC uint16
	CatchType uint16
}

// ParseCode 解析 Code 属性内容
func ParseCode(info []byte) (*Code, error) {
	r := &cursor{b: info}
	c := &Code{
		MaxStack:  r.u2(),
		MaxLocals: r.u2(),
	}
	c.Bytecode = r.bytes(int(r.u4()))
	n := int(r.u2())
	c.Exceptions = make([]ExceptionHandler, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		c.Exceptions = append(c.Exceptions, ExceptionHandler{
			StartPC:   r.u2(),
			EndPC:     r.u2(),
			HandlerPC: r.u2(),
			CatchType: r.u2(),
		})
	}
	c.Attributes = readAttributes(r)
	if r.err != nil {
		return nil, fmt.Errorf("code attribute: %w", r.err)
	}
	return c, nil
}

// Encode 编码为 Code 属性内容
func (c *Code) Encode() []byte {
	w := &writer{}
	w.u2(c.MaxStack)
	w.u2(c.MaxLocals)
	w.u4(uint32(len(c.Bytecode)))
	w.raw(c.Bytecode)
	w.u2(uint16(len(c.Exceptions)))
	for _, e := range c.Exceptions {
		w.u2(e.StartPC)
		w.u2(e.EndPC)
		w.u2(e.HandlerPC)
		w.u2(e.CatchType)
	}
	w.attributes(c.Attributes)
	return w.buf
}

// Code 返回方法的 Code 及其属性，没有方法体时返回 nil
func (cf *ClassFile) Code(m *Member) (*Code, *Attribute, error) {
	attr := cf.FindAttribute(m.Attributes, AttrCode)
	if attr == nil {
		return nil, nil, nil
	}
	code, err := ParseCode(attr.Info)
	if err != nil {
		return nil, attr, err
	}
	return code, attr, nil
}

// SetCode 写回方法体
func (cf *ClassFile) SetCode(m *Member, code *Code) {
	if attr := cf.FindAttribute(m.Attributes, AttrCode); attr != nil {
		attr.Info = code.Encode()
		return
	}
	m.Attributes = append(m.Attributes, &Attribute{NameIndex: cf.Utf8Index(AttrCode), Info: code.Encode()})
}

// LocalVariable LocalVariableTable / LocalVariableTypeTable 条目
//
// DescIndex 在 LocalVariableTypeTable 中为签名下标。
type LocalVariable struct {
	StartPC   uint16
	Length    uint16
	NameIndex uint16
	DescIndex uint16
	Slot      uint16
}

// ParseLocalVariables 解析局部变量表
func ParseLocalVariables(info []byte) ([]LocalVariable, error) {
	r := &cursor{b: info}
	n := int(r.u2())
	vars := make([]LocalVariable, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		vars = append(vars, LocalVariable{
			StartPC:   r.u2(),
			Length:    r.u2(),
			NameIndex: r.u2(),
			DescIndex: r.u2(),
			Slot:      r.u2(),
		})
	}
	return vars, r.err
}

// EncodeLocalVariables 编码局部变量表
func EncodeLocalVariables(vars []LocalVariable) []byte {
	buf := make([]byte, 2+len(vars)*10)
	binary.BigEndian.PutUint16(buf, uint16(len(vars)))
	for i, v := range vars {
		off := 2 + i*10
		binary.BigEndian.PutUint16(buf[off:], v.StartPC)
		binary.BigEndian.PutUint16(buf[off+2:], v.Length)
		binary.BigEndian.PutUint16(buf[off+4:], v.NameIndex)
		binary.BigEndian.PutUint16(buf[off+6:], v.DescIndex)
		binary.BigEndian.PutUint16(buf[off+8:], v.Slot)
	}
	return buf
}

// BootstrapMethod BootstrapMethods 条目
type BootstrapMethod struct {
	MethodRef uint16
	Args      []uint16
}

// BootstrapMethods 解析类的 BootstrapMethods 属性
func (cf *ClassFile) BootstrapMethods() ([]BootstrapMethod, error) {
	attr := cf.FindAttribute(cf.Attributes, AttrBootstrapMethods)
	if attr == nil {
		return nil, nil
	}
	r := &cursor{b: attr.Info}
	n := int(r.u2())
	methods := make([]BootstrapMethod, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		bm := BootstrapMethod{MethodRef: r.u2()}
		argc := int(r.u2())
		for j := 0; j < argc && r.err == nil; j++ {
			bm.Args = append(bm.Args, r.u2())
		}
		methods = append(methods, bm)
	}
	if r.err != nil {
		return nil, fmt.Errorf("bootstrap methods: %w", r.err)
	}
	return methods, nil
}

// InnerClass InnerClasses 条目
type InnerClass struct {
	InnerClassIndex uint16
	OuterClassIndex uint16
	InnerNameIndex  uint16
	Access          uint16
}

// ParseInnerClasses 解析 InnerClasses 属性
func ParseInnerClasses(info []byte) ([]InnerClass, error) {
	r := &cursor{b: info}
	n := int(r.u2())
	out := make([]InnerClass, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, InnerClass{
			InnerClassIndex: r.u2(),
			OuterClassIndex: r.u2(),
			InnerNameIndex:  r.u2(),
			Access:          r.u2(),
		})
	}
	return out, r.err
}

// EncodeInnerClasses 编码 InnerClasses 属性
func EncodeInnerClasses(entries []InnerClass) []byte {
	w := &writer{}
	w.u2(uint16(len(entries)))
	for _, e := range entries {
		w.u2(e.InnerClassIndex)
		w.u2(e.OuterClassIndex)
		w.u2(e.InnerNameIndex)
		w.u2(e.Access)
	}
	return w.buf
}

// EncodeBootstrapMethods 编码 BootstrapMethods 属性
func EncodeBootstrapMethods(methods []BootstrapMethod) []byte {
	w := &writer{}
	w.u2(uint16(len(methods)))
	for _, bm := range methods {
		w.u2(bm.MethodRef)
		w.u2(uint16(len(bm.Args)))
		for _, a := range bm.Args {
			w.u2(a)
		}
	}
	return w.buf
}

// RecordComponent Record 属性中的组件
type RecordComponent struct {
	NameIndex  uint16
	DescIndex  uint16
	Attributes []*Attribute
}

// ParseRecord 解析 Record 属性
func ParseRecord(info []byte) ([]RecordComponent, error) {
	r := &cursor{b: info}
	n := int(r.u2())
	out := make([]RecordComponent, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		rc := RecordComponent{NameIndex: r.u2(), DescIndex: r.u2()}
		rc.Attributes = readAttributes(r)
		out = append(out, rc)
	}
	if r.err != nil {
		return nil, fmt.Errorf("record attribute: %w", r.err)
	}
	return out, nil
}

// EncodeRecord 编码 Record 属性
func EncodeRecord(components []RecordComponent) []byte {
	w := &writer{}
	w.u2(uint16(len(components)))
	for _, rc := range components {
		w.u2(rc.NameIndex)
		w.u2(rc.DescIndex)
		w.attributes(rc.Attributes)
	}
	return w.buf
}
