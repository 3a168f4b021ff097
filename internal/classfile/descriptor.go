package classfile

import (
	"fmt"
	"strings"
)

// MapDescriptor 替换字段或方法描述符中的所有类名
func MapDescriptor(desc string, mapName func(string) string) string {
	if !strings.ContainsRune(desc, 'L') {
		return desc
	}
	var sb strings.Builder
	sb.Grow(len(desc))
	for i := 0; i < len(desc); i++ {
		c := desc[i]
		sb.WriteByte(c)
		if c != 'L' {
			continue
		}
		end := strings.IndexByte(desc[i:], ';')
		if end < 0 {
			sb.WriteString(desc[i+1:])
			break
		}
		sb.WriteString(mapName(desc[i+1 : i+end]))
		sb.WriteByte(';')
		i += end
	}
	return sb.String()
}

// MapClassName 替换 Class 常量中的名称，数组类型按描述符处理
func MapClassName(name string, mapName func(string) string) string {
	if strings.HasPrefix(name, "[") {
		return MapDescriptor(name, mapName)
	}
	return mapName(name)
}

// ReturnType 方法描述符的返回类型
func ReturnType(desc string) string {
	if i := strings.LastIndexByte(desc, ')'); i >= 0 {
		return desc[i+1:]
	}
	return ""
}

// ObjectType 从 "Lx/y/Z;" 提取内部名
func ObjectType(desc string) (string, bool) {
	if len(desc) < 3 || desc[0] != 'L' || desc[len(desc)-1] != ';' {
		return "", false
	}
	return desc[1 : len(desc)-1], true
}

// MapSignature 替换泛型签名中的类名
//
// 支持类签名、方法签名与字段签名。内部类段 Outer<..>.Inner 按 Outer$Inner 映射，
// 映射后不再是 Outer 的内部类时展开为完整名。
func MapSignature(sig string, mapName func(string) string) (string, error) {
	p := &sigParser{s: sig, mapName: mapName}
	if err := p.parse(); err != nil {
		return "", fmt.Errorf("signature %q: %w", sig, err)
	}
	return p.out.String(), nil
}

type sigParser struct {
	s       string
	pos     int
	out     strings.Builder
	mapName func(string) string
}

func (p *sigParser) peek() byte {
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

func (p *sigParser) expect(c byte) error {
	if p.peek() != c {
		return fmt.Errorf("expected %q at %d", c, p.pos)
	}
	p.out.WriteByte(c)
	p.pos++
	return nil
}

func (p *sigParser) parse() error {
	if p.peek() == '<' {
		if err := p.typeParams(); err != nil {
			return err
		}
	}
	if p.peek() == '(' {
		p.out.WriteByte('(')
		p.pos++
		for p.peek() != ')' {
			if p.pos >= len(p.s) {
				return fmt.Errorf("unterminated parameter list")
			}
			if err := p.javaType(); err != nil {
				return err
			}
		}
		p.out.WriteByte(')')
		p.pos++
		if err := p.javaType(); err != nil {
			return err
		}
		for p.peek() == '^' {
			p.out.WriteByte('^')
			p.pos++
			if err := p.refType(); err != nil {
				return err
			}
		}
		return p.done()
	}
	for p.pos < len(p.s) {
		if err := p.refType(); err != nil {
			return err
		}
	}
	return nil
}

func (p *sigParser) done() error {
	if p.pos != len(p.s) {
		return fmt.Errorf("trailing data at %d", p.pos)
	}
	return nil
}

func (p *sigParser) typeParams() error {
	p.out.WriteByte('<')
	p.pos++
	for p.peek() != '>' {
		colon := strings.IndexByte(p.s[p.pos:], ':')
		if colon <= 0 {
			return fmt.Errorf("bad type parameter at %d", p.pos)
		}
		p.out.WriteString(p.s[p.pos : p.pos+colon+1])
		p.pos += colon + 1
		// 类边界可以为空
		if c := p.peek(); c != ':' && c != '>' {
			if err := p.refType(); err != nil {
				return err
			}
		}
		for p.peek() == ':' {
			p.out.WriteByte(':')
			p.pos++
			if err := p.refType(); err != nil {
				return err
			}
		}
	}
	return p.expect('>')
}

func (p *sigParser) javaType() error {
	switch c := p.peek(); c {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 'V':
		p.out.WriteByte(c)
		p.pos++
		return nil
	}
	return p.refType()
}

func (p *sigParser) refType() error {
	switch p.peek() {
	case 'L':
		return p.classType()
	case 'T':
		end := strings.IndexByte(p.s[p.pos:], ';')
		if end < 0 {
			return fmt.Errorf("unterminated type variable at %d", p.pos)
		}
		p.out.WriteString(p.s[p.pos : p.pos+end+1])
		p.pos += end + 1
		return nil
	case '[':
		p.out.WriteByte('[')
		p.pos++
		return p.javaType()
	}
	return fmt.Errorf("unexpected %q at %d", p.peek(), p.pos)
}

func (p *sigParser) ident() string {
	start := p.pos
	for p.pos < len(p.s) {
		switch p.s[p.pos] {
		case '<', '.', ';':
			return p.s[start:p.pos]
		}
		p.pos++
	}
	return p.s[start:]
}

func (p *sigParser) classType() error {
	start := p.out.Len()
	p.out.WriteByte('L')
	p.pos++
	oldName := p.ident()
	newName := p.mapName(oldName)
	p.out.WriteString(newName)
	if err := p.typeArgs(); err != nil {
		return err
	}
	for p.peek() == '.' {
		p.pos++
		inner := p.ident()
		oldFull := oldName + "$" + inner
		newFull := p.mapName(oldFull)
		if strings.HasPrefix(newFull, newName+"$") {
			p.out.WriteByte('.')
			p.out.WriteString(newFull[len(newName)+1:])
		} else {
			// 外部类的类型参数随之丢弃，只保留重命名后的完整类型
			rebuilt := p.out.String()
			p.out.Reset()
			p.out.WriteString(rebuilt[:start+1])
			p.out.WriteString(newFull)
		}
		oldName, newName = oldFull, newFull
		if err := p.typeArgs(); err != nil {
			return err
		}
	}
	return p.expect(';')
}

func (p *sigParser) typeArgs() error {
	if p.peek() != '<' {
		return nil
	}
	p.out.WriteByte('<')
	p.pos++
	for p.peek() != '>' {
		if p.pos >= len(p.s) {
			return fmt.Errorf("unterminated type arguments")
		}
		switch c := p.peek(); c {
		case '*':
			p.out.WriteByte(c)
			p.pos++
			continue
		case '+', '-':
			p.out.WriteByte(c)
			p.pos++
		}
		if err := p.refType(); err != nil {
			return err
		}
	}
	return p.expect('>')
}
