package classfile

import (
	"encoding/binary"
	"fmt"
)

// 注解相关属性名
const (
	AttrRuntimeVisibleAnnotations            = "RuntimeVisibleAnnotations"
	AttrRuntimeInvisibleAnnotations          = "RuntimeInvisibleAnnotations"
	AttrRuntimeVisibleParameterAnnotations   = "RuntimeVisibleParameterAnnotations"
	AttrRuntimeInvisibleParameterAnnotations = "RuntimeInvisibleParameterAnnotations"
	AttrRuntimeVisibleTypeAnnotations        = "RuntimeVisibleTypeAnnotations"
	AttrRuntimeInvisibleTypeAnnotations      = "RuntimeInvisibleTypeAnnotations"
	AttrAnnotationDefault                    = "AnnotationDefault"
)

// IsAnnotationAttribute 是否为注解类属性
func IsAnnotationAttribute(name string) bool {
	switch name {
	case AttrRuntimeVisibleAnnotations, AttrRuntimeInvisibleAnnotations,
		AttrRuntimeVisibleParameterAnnotations, AttrRuntimeInvisibleParameterAnnotations,
		AttrRuntimeVisibleTypeAnnotations, AttrRuntimeInvisibleTypeAnnotations,
		AttrAnnotationDefault:
		return true
	}
	return false
}

// RemapAnnotations 改写注解属性中所有指向类型描述符的 Utf8 下标
//
// 注解类型、枚举常量类型与 class 元素值都以描述符形式保存；元素名与常量名保持不变。
// 返回新的属性内容，原切片不修改。
func RemapAnnotations(attrName string, info []byte, remapDesc func(uint16) uint16) ([]byte, error) {
	p := &annotationPatcher{buf: append([]byte(nil), info...), remap: remapDesc}
	var err error
	switch attrName {
	case AttrRuntimeVisibleAnnotations, AttrRuntimeInvisibleAnnotations:
		err = p.annotations()
	case AttrRuntimeVisibleParameterAnnotations, AttrRuntimeInvisibleParameterAnnotations:
		n := int(p.u1())
		for i := 0; i < n && err == nil; i++ {
			err = p.annotations()
		}
	case AttrRuntimeVisibleTypeAnnotations, AttrRuntimeInvisibleTypeAnnotations:
		n := int(p.u2())
		for i := 0; i < n && err == nil; i++ {
			err = p.typeAnnotation()
		}
	case AttrAnnotationDefault:
		err = p.elementValue()
	default:
		return info, nil
	}
	if err == nil {
		err = p.err
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", attrName, err)
	}
	return p.buf, nil
}

type annotationPatcher struct {
	buf   []byte
	off   int
	err   error
	remap func(uint16) uint16
}

func (p *annotationPatcher) skip(n int) {
	if p.err != nil {
		return
	}
	if p.off+n > len(p.buf) {
		p.err = ErrTruncated
		return
	}
	p.off += n
}

func (p *annotationPatcher) u1() uint8 {
	if p.err != nil || p.off+1 > len(p.buf) {
		p.err = ErrTruncated
		return 0
	}
	v := p.buf[p.off]
	p.off++
	return v
}

func (p *annotationPatcher) u2() uint16 {
	if p.err != nil || p.off+2 > len(p.buf) {
		p.err = ErrTruncated
		return 0
	}
	v := binary.BigEndian.Uint16(p.buf[p.off:])
	p.off += 2
	return v
}

// patch 原位替换当前位置的描述符下标
func (p *annotationPatcher) patch() {
	if p.err != nil || p.off+2 > len(p.buf) {
		p.err = ErrTruncated
		return
	}
	old := binary.BigEndian.Uint16(p.buf[p.off:])
	binary.BigEndian.PutUint16(p.buf[p.off:], p.remap(old))
	p.off += 2
}

func (p *annotationPatcher) annotations() error {
	n := int(p.u2())
	for i := 0; i < n && p.err == nil; i++ {
		if err := p.annotation(); err != nil {
			return err
		}
	}
	return p.err
}

func (p *annotationPatcher) annotation() error {
	p.patch()
	pairs := int(p.u2())
	for i := 0; i < pairs && p.err == nil; i++ {
		p.skip(2)
		if err := p.elementValue(); err != nil {
			return err
		}
	}
	return p.err
}

func (p *annotationPatcher) elementValue() error {
	tag := p.u1()
	switch tag {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 's':
		p.skip(2)
	case 'e':
		p.patch()
		p.skip(2)
	case 'c':
		p.patch()
	case '@':
		return p.annotation()
	case '[':
		n := int(p.u2())
		for i := 0; i < n && p.err == nil; i++ {
			if err := p.elementValue(); err != nil {
				return err
			}
		}
	default:
		if p.err != nil {
			return p.err
		}
		return fmt.Errorf("unknown element value tag %q", tag)
	}
	return p.err
}

func (p *annotationPatcher) typeAnnotation() error {
	target := p.u1()
	switch {
	case target == 0x00 || target == 0x01 || target == 0x16:
		p.skip(1)
	case target == 0x10 || target == 0x17 || target == 0x42:
		p.skip(2)
	case target == 0x11 || target == 0x12:
		p.skip(2)
	case target >= 0x13 && target <= 0x15:
	case target == 0x40 || target == 0x41:
		n := int(p.u2())
		p.skip(n * 6)
	case target >= 0x43 && target <= 0x46:
		p.skip(2)
	case target >= 0x47 && target <= 0x4B:
		p.skip(3)
	default:
		if p.err != nil {
			return p.err
		}
		return fmt.Errorf("unknown type annotation target 0x%02x", target)
	}
	pathLen := int(p.u1())
	p.skip(pathLen * 2)
	return p.annotation()
}
