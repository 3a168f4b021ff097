package classfile

// Builder 以代码方式构造 class 文件，供测试与合成类使用
type Builder struct {
	cf *ClassFile
}

// NewBuilder 创建构造器，super 为空时不设置父类
func NewBuilder(name, super string) *Builder {
	cf := &ClassFile{
		Major:  52,
		Pool:   []Constant{{}},
		Access: AccPublic | AccSuper,
	}
	cf.ThisClass = cf.ClassIndex(name)
	if super != "" {
		cf.SuperClass = cf.ClassIndex(super)
	}
	return &Builder{cf: cf}
}

// Access 设置类访问标志
func (b *Builder) Access(flags uint16) *Builder {
	b.cf.Access = flags
	return b
}

// Implements 添加接口
func (b *Builder) Implements(names ...string) *Builder {
	for _, n := range names {
		b.cf.Interfaces = append(b.cf.Interfaces, b.cf.ClassIndex(n))
	}
	return b
}

// Field 添加字段
func (b *Builder) Field(access uint16, name, desc string) *Builder {
	b.cf.Fields = append(b.cf.Fields, &Member{
		Access:    access,
		NameIndex: b.cf.Utf8Index(name),
		DescIndex: b.cf.Utf8Index(desc),
	})
	return b
}

// Method 添加方法，非 abstract/native 方法附带一个最小方法体
func (b *Builder) Method(access uint16, name, desc string) *Builder {
	var code *Code
	if access&(AccAbstract|AccNative) == 0 {
		// aconst_null; athrow
		code = &Code{MaxStack: 1, MaxLocals: 16, Bytecode: []byte{0x01, 0xBF}}
	}
	return b.MethodWithCode(access, name, desc, code)
}

// MethodWithCode 添加带指定方法体的方法
func (b *Builder) MethodWithCode(access uint16, name, desc string, code *Code) *Builder {
	m := &Member{
		Access:    access,
		NameIndex: b.cf.Utf8Index(name),
		DescIndex: b.cf.Utf8Index(desc),
	}
	if code != nil {
		m.Attributes = append(m.Attributes, &Attribute{NameIndex: b.cf.Utf8Index(AttrCode), Info: code.Encode()})
	}
	b.cf.Methods = append(b.cf.Methods, m)
	return b
}

// MethodRef 在常量池中添加方法引用
func (b *Builder) MethodRef(owner, name, desc string) *Builder {
	b.cf.RefIndex(TagMethodref, owner, name, desc)
	return b
}

// InterfaceMethodRef 在常量池中添加接口方法引用
func (b *Builder) InterfaceMethodRef(owner, name, desc string) *Builder {
	b.cf.RefIndex(TagInterfaceMethodref, owner, name, desc)
	return b
}

// FieldRef 在常量池中添加字段引用
func (b *Builder) FieldRef(owner, name, desc string) *Builder {
	b.cf.RefIndex(TagFieldref, owner, name, desc)
	return b
}

// LambdaMetafactory 及其引导方法
const (
	LambdaMetafactory   = "java/lang/invoke/LambdaMetafactory"
	lambdaBootstrapName = "metafactory"
	lambdaBootstrapDesc = "(Ljava/lang/invoke/MethodHandles$Lookup;Ljava/lang/String;Ljava/lang/invoke/MethodType;Ljava/lang/invoke/MethodType;Ljava/lang/invoke/MethodHandle;Ljava/lang/invoke/MethodType;)Ljava/lang/invoke/CallSite;"
	refInvokeStatic     = 6
)

// Lambda 添加一个 LambdaMetafactory 调用点，实现方法为静态方法
//
// name/samDesc 为函数式接口方法，factoryDesc 的返回类型为接口类型。
func (b *Builder) Lambda(name, factoryDesc, samDesc, implOwner, implName, implDesc string) *Builder {
	cf := b.cf
	bsmRef := cf.RefIndex(TagMethodref, LambdaMetafactory, lambdaBootstrapName, lambdaBootstrapDesc)
	bsmHandle := cf.AddConstant(Constant{Tag: TagMethodHandle, Kind: refInvokeStatic, First: bsmRef})
	implHandle := cf.AddConstant(Constant{
		Tag:   TagMethodHandle,
		Kind:  refInvokeStatic,
		First: cf.RefIndex(TagMethodref, implOwner, implName, implDesc),
	})
	samType := cf.AddConstant(Constant{Tag: TagMethodType, First: cf.Utf8Index(samDesc)})

	methods, err := cf.BootstrapMethods()
	if err != nil {
		panic(err)
	}
	methods = append(methods, BootstrapMethod{MethodRef: bsmHandle, Args: []uint16{samType, implHandle, samType}})
	info := EncodeBootstrapMethods(methods)
	if attr := cf.FindAttribute(cf.Attributes, AttrBootstrapMethods); attr != nil {
		attr.Info = info
	} else {
		b.Attribute(AttrBootstrapMethods, info)
	}

	cf.AddConstant(Constant{
		Tag:    TagInvokeDynamic,
		First:  uint16(len(methods) - 1),
		Second: cf.NameAndTypeIndex(name, factoryDesc),
	})
	return b
}

// Attribute 添加类属性
func (b *Builder) Attribute(name string, info []byte) *Builder {
	b.cf.Attributes = append(b.cf.Attributes, &Attribute{NameIndex: b.cf.Utf8Index(name), Info: info})
	return b
}

// MethodAttribute 为最近添加的方法添加属性
func (b *Builder) MethodAttribute(name string, info []byte) *Builder {
	m := b.cf.Methods[len(b.cf.Methods)-1]
	m.Attributes = append(m.Attributes, &Attribute{NameIndex: b.cf.Utf8Index(name), Info: info})
	return b
}

// FieldAttribute 为最近添加的字段添加属性
func (b *Builder) FieldAttribute(name string, info []byte) *Builder {
	f := b.cf.Fields[len(b.cf.Fields)-1]
	f.Attributes = append(f.Attributes, &Attribute{NameIndex: b.cf.Utf8Index(name), Info: info})
	return b
}

// Build 返回构造结果
func (b *Builder) Build() *ClassFile {
	return b.cf
}

// Bytes 序列化构造结果
func (b *Builder) Bytes() []byte {
	data, err := Encode(b.cf, ModeMaxs)
	if err != nil {
		panic(err)
	}
	return data
}
