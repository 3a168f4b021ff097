package classfile

// 常量池追加与去重
//
// 新条目只追加在尾部，已有条目的下标永不变化。

// AddConstant 追加常量，返回其下标
func (cf *ClassFile) AddConstant(c Constant) uint16 {
	if len(cf.Pool) == 0 {
		cf.Pool = append(cf.Pool, Constant{})
	}
	idx := uint16(len(cf.Pool))
	cf.Pool = append(cf.Pool, c)
	if c.Tag == TagLong || c.Tag == TagDouble {
		cf.Pool = append(cf.Pool, Constant{})
	}

	switch c.Tag {
	case TagUtf8:
		if cf.utf8Index != nil {
			if _, ok := cf.utf8Index[c.Utf8]; !ok {
				cf.utf8Index[c.Utf8] = idx
			}
		}
	case TagNameAndType:
		if cf.natIndex != nil {
			key := [2]uint16{c.First, c.Second}
			if _, ok := cf.natIndex[key]; !ok {
				cf.natIndex[key] = idx
			}
		}
	}
	return idx
}

// Utf8Index 查找或追加 Utf8 条目
func (cf *ClassFile) Utf8Index(s string) uint16 {
	if cf.utf8Index == nil {
		cf.utf8Index = make(map[string]uint16)
		for i, c := range cf.Pool {
			if c.Tag != TagUtf8 {
				continue
			}
			if _, ok := cf.utf8Index[c.Utf8]; !ok {
				cf.utf8Index[c.Utf8] = uint16(i)
			}
		}
	}
	if idx, ok := cf.utf8Index[s]; ok {
		return idx
	}
	return cf.AddConstant(Constant{Tag: TagUtf8, Utf8: s})
}

// NameAndTypeIndex 查找或追加 NameAndType 条目
func (cf *ClassFile) NameAndTypeIndex(name, desc string) uint16 {
	nameIdx := cf.Utf8Index(name)
	descIdx := cf.Utf8Index(desc)
	if cf.natIndex == nil {
		cf.natIndex = make(map[[2]uint16]uint16)
		for i, c := range cf.Pool {
			if c.Tag != TagNameAndType {
				continue
			}
			key := [2]uint16{c.First, c.Second}
			if _, ok := cf.natIndex[key]; !ok {
				cf.natIndex[key] = uint16(i)
			}
		}
	}
	if idx, ok := cf.natIndex[[2]uint16{nameIdx, descIdx}]; ok {
		return idx
	}
	return cf.AddConstant(Constant{Tag: TagNameAndType, First: nameIdx, Second: descIdx})
}

// ClassIndex 查找或追加 Class 条目
func (cf *ClassFile) ClassIndex(name string) uint16 {
	for i, c := range cf.Pool {
		if c.Tag == TagClass && cf.Utf8At(c.First) == name {
			return uint16(i)
		}
	}
	return cf.AddConstant(Constant{Tag: TagClass, First: cf.Utf8Index(name)})
}

// RefIndex 查找或追加字段/方法引用条目
func (cf *ClassFile) RefIndex(tag uint8, owner, name, desc string) uint16 {
	classIdx := cf.ClassIndex(owner)
	natIdx := cf.NameAndTypeIndex(name, desc)
	for i, c := range cf.Pool {
		if c.Tag == tag && c.First == classIdx && c.Second == natIdx {
			return uint16(i)
		}
	}
	return cf.AddConstant(Constant{Tag: tag, First: classIdx, Second: natIdx})
}

// StringIndex 查找或追加 String 条目
func (cf *ClassFile) StringIndex(s string) uint16 {
	utf := cf.Utf8Index(s)
	for i, c := range cf.Pool {
		if c.Tag == TagString && c.First == utf {
			return uint16(i)
		}
	}
	return cf.AddConstant(Constant{Tag: TagString, First: utf})
}
