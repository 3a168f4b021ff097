package remap

import (
	"encoding/binary"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jar-obfuscator/jobf-go/internal/classfile"
	"github.com/jar-obfuscator/jobf-go/internal/domain"
	"github.com/jar-obfuscator/jobf-go/internal/rename"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func unit(t *testing.T, b *classfile.Builder, library bool) *domain.ClassUnit {
	t.Helper()
	data := b.Bytes()
	u, err := domain.NewClassUnit(domain.EntryNameOf(b.Build().Name()), data, library)
	require.NoError(t, err)
	return u
}

func table(units ...*domain.ClassUnit) map[string]*domain.ClassUnit {
	m := make(map[string]*domain.ClassUnit, len(units))
	for _, u := range units {
		m[u.OriginalName] = u
	}
	return m
}

func newMapping(classes map[string]string, members map[string]string) *rename.Mapping {
	m := rename.NewMapping()
	for k, v := range classes {
		m.Classes[k] = v
	}
	for k, v := range members {
		m.Members[k] = v
	}
	return m
}

func reparse(t *testing.T, u *domain.ClassUnit) *classfile.ClassFile {
	t.Helper()
	cf, err := classfile.Parse(u.Raw, 0)
	require.NoError(t, err)
	return cf
}

func refByName(cf *classfile.ClassFile, owner string) []classfile.MemberRef {
	var out []classfile.MemberRef
	for _, r := range cf.MemberRefs() {
		if r.Owner == owner {
			out = append(out, r)
		}
	}
	return out
}

// TestApply_ClassAndMemberNames 类名、描述符、成员声明与引用
func TestApply_ClassAndMemberNames(t *testing.T) {
	base := unit(t, classfile.NewBuilder("app/Base", "java/lang/Object").
		Field(classfile.AccPublic, "peer", "Lapp/Base;").
		Method(classfile.AccPublic, "run", "(Lapp/Base;)V"), false)
	user := unit(t, classfile.NewBuilder("app/User", "app/Base").
		Method(classfile.AccPublic, "go", "()[Lapp/Base;").
		MethodRef("app/Base", "run", "(Lapp/Base;)V").
		FieldRef("app/Base", "peer", "Lapp/Base;"), false)

	m := newMapping(
		map[string]string{"app/Base": "o/A_0", "app/User": "o/B_1"},
		map[string]string{
			rename.MemberKey("app/Base", "run", "(Lapp/Base;)V"): "-",
			rename.MemberKey("app/Base", "peer", "Lapp/Base;"):   "_",
		},
	)
	a := NewApplier(m, table(base, user), nil, newTestLogger())
	require.NoError(t, a.Apply(base))
	require.NoError(t, a.Apply(user))

	assert.Equal(t, "o/A_0.class", base.EntryName)
	assert.Equal(t, "o/B_1.class", user.EntryName)

	cf := reparse(t, base)
	assert.Equal(t, "o/A_0", cf.Name())
	assert.NotNil(t, cf.FindMethod("-", "(Lo/A_0;)V"))
	assert.NotNil(t, cf.FindField("_", "Lo/A_0;"))

	cf = reparse(t, user)
	assert.Equal(t, "o/B_1", cf.Name())
	assert.Equal(t, "o/A_0", cf.SuperName())
	assert.NotNil(t, cf.FindMethod("go", "()[Lo/A_0;"))

	refs := refByName(cf, "o/A_0")
	require.Len(t, refs, 2)
	names := map[string]string{}
	for _, r := range refs {
		names[r.Name] = r.Desc
	}
	assert.Equal(t, "(Lo/A_0;)V", names["-"])
	assert.Equal(t, "Lo/A_0;", names["_"])

	tbl := Table([]*domain.ClassUnit{base, user})
	assert.Contains(t, tbl, "o/A_0.class")
	assert.Contains(t, tbl, "o/B_1.class")
}

// TestApply_AncestorResolution 引用所有者未声明成员时沿父类查找映射
func TestApply_AncestorResolution(t *testing.T) {
	base := unit(t, classfile.NewBuilder("app/Base", "java/lang/Object").
		Method(classfile.AccPublic, "work", "()V"), false)
	iface := unit(t, classfile.NewBuilder("app/Api", "java/lang/Object").
		Access(classfile.AccPublic|classfile.AccInterface|classfile.AccAbstract).
		Method(classfile.AccPublic|classfile.AccAbstract, "call", "()I"), false)
	child := unit(t, classfile.NewBuilder("app/Child", "app/Base").Implements("app/Api"), false)
	caller := unit(t, classfile.NewBuilder("app/Caller", "java/lang/Object").
		MethodRef("app/Child", "work", "()V").
		InterfaceMethodRef("app/Child", "call", "()I").
		MethodRef("app/Child", "hashCode", "()I"), false)
	object := unit(t, classfile.NewBuilder("java/lang/Object", "").
		Method(classfile.AccPublic, "hashCode", "()I"), true)

	m := newMapping(nil, map[string]string{
		rename.MemberKey("app/Base", "work", "()V"): "a",
		rename.MemberKey("app/Api", "call", "()I"):  "b",
	})
	a := NewApplier(m, table(base, iface, child, caller), table(object), newTestLogger())
	require.NoError(t, a.Apply(caller))

	got := map[string]bool{}
	for _, r := range refByName(reparse(t, caller), "app/Child") {
		got[r.Name+r.Desc] = true
	}
	assert.True(t, got["a()V"])
	assert.True(t, got["b()I"])
	assert.True(t, got["hashCode()I"])

	assert.Equal(t, "a", a.MemberName("app/Child", "work", "()V"))
	assert.Equal(t, "clone", a.MemberName("[Lapp/Child;", "clone", "()Ljava/lang/Object;"))
	assert.Equal(t, "<init>", a.MemberName("app/Base", "<init>", "()V"))
}

// TestApply_Lambda LambdaMetafactory 调用点名称跟随接口方法
func TestApply_Lambda(t *testing.T) {
	fn := unit(t, classfile.NewBuilder("app/Fn", "java/lang/Object").
		Access(classfile.AccPublic|classfile.AccInterface|classfile.AccAbstract).
		Method(classfile.AccPublic|classfile.AccAbstract, "apply", "(Ljava/lang/Object;)Ljava/lang/Object;"), false)
	site := unit(t, classfile.NewBuilder("app/Site", "java/lang/Object").
		Method(classfile.AccPrivate|classfile.AccStatic, "lambda$0", "(Ljava/lang/Object;)Ljava/lang/Object;").
		Lambda("apply", "()Lapp/Fn;", "(Ljava/lang/Object;)Ljava/lang/Object;",
			"app/Site", "lambda$0", "(Ljava/lang/Object;)Ljava/lang/Object;").
		Lambda("run", "()Ljava/lang/Runnable;", "()V", "app/Site", "lambda$0", "(Ljava/lang/Object;)Ljava/lang/Object;"), false)

	m := newMapping(
		map[string]string{"app/Fn": "o/F_0"},
		map[string]string{
			rename.MemberKey("app/Fn", "apply", "(Ljava/lang/Object;)Ljava/lang/Object;"): "|",
		},
	)
	a := NewApplier(m, table(fn, site), nil, newTestLogger())
	require.NoError(t, a.Apply(site))

	cf := reparse(t, site)
	var indy [][2]string
	for _, c := range cf.Pool {
		if c.Tag == classfile.TagInvokeDynamic {
			name, desc := cf.NameAndTypeAt(c.Second)
			indy = append(indy, [2]string{name, desc})
		}
	}
	require.Len(t, indy, 2)
	assert.Equal(t, [2]string{"|", "()Lo/F_0;"}, indy[0])
	assert.Equal(t, [2]string{"run", "()Ljava/lang/Runnable;"}, indy[1])
}

// TestApply_Attributes 签名、内部类、外围方法与局部变量表
func TestApply_Attributes(t *testing.T) {
	b := classfile.NewBuilder("app/Outer$Inner", "java/lang/Object")
	cf := b.Build()

	sig := cf.Utf8Index("Ljava/util/List<Lapp/Outer;>;")
	innerClass := cf.ClassIndex("app/Outer$Inner")
	outerClass := cf.ClassIndex("app/Outer")
	innerName := cf.Utf8Index("Inner")
	inner := classfile.EncodeInnerClasses([]classfile.InnerClass{
		{InnerClassIndex: innerClass, OuterClassIndex: outerClass, InnerNameIndex: innerName, Access: classfile.AccPublic},
	})
	enclosing := binary.BigEndian.AppendUint16(nil, outerClass)
	enclosing = binary.BigEndian.AppendUint16(enclosing, cf.NameAndTypeIndex("make", "(Lapp/Outer;)V"))

	code := &classfile.Code{MaxStack: 1, MaxLocals: 2, Bytecode: []byte{0xB1}}
	code.Attributes = []*classfile.Attribute{
		{
			NameIndex: cf.Utf8Index(classfile.AttrLocalVariableTable),
			Info: classfile.EncodeLocalVariables([]classfile.LocalVariable{
				{Length: 1, NameIndex: cf.Utf8Index("o"), DescIndex: cf.Utf8Index("Lapp/Outer;"), Slot: 1},
			}),
		},
		{
			NameIndex: cf.Utf8Index(classfile.AttrLocalVariableTypeTable),
			Info: classfile.EncodeLocalVariables([]classfile.LocalVariable{
				{Length: 1, NameIndex: cf.Utf8Index("o"), DescIndex: cf.Utf8Index("Ljava/util/List<Lapp/Outer;>;"), Slot: 1},
			}),
		},
	}
	b.Attribute(classfile.AttrSignature, binary.BigEndian.AppendUint16(nil, sig)).
		Attribute(classfile.AttrInnerClasses, inner).
		Attribute(classfile.AttrEnclosingMethod, enclosing).
		MethodWithCode(classfile.AccPublic, "m", "(Lapp/Outer;)V", code).
		MethodAttribute(classfile.AttrSignature, binary.BigEndian.AppendUint16(nil, cf.Utf8Index("(Ljava/util/List<Lapp/Outer;>;)V")))

	u := unit(t, b, false)
	outer := unit(t, classfile.NewBuilder("app/Outer", "java/lang/Object").
		Method(classfile.AccPublic, "make", "(Lapp/Outer;)V"), false)

	m := newMapping(
		map[string]string{"app/Outer": "o/X_0", "app/Outer$Inner": "o/Y_1"},
		map[string]string{rename.MemberKey("app/Outer", "make", "(Lapp/Outer;)V"): "-"},
	)
	a := NewApplier(m, table(u, outer), nil, newTestLogger())
	require.NoError(t, a.Apply(u))

	out := reparse(t, u)
	assert.Equal(t, "o/Y_1", out.Name())

	sigAttr := out.FindAttribute(out.Attributes, classfile.AttrSignature)
	require.NotNil(t, sigAttr)
	assert.Equal(t, "Ljava/util/List<Lo/X_0;>;", out.Utf8At(binary.BigEndian.Uint16(sigAttr.Info)))

	icAttr := out.FindAttribute(out.Attributes, classfile.AttrInnerClasses)
	require.NotNil(t, icAttr)
	entries, err := classfile.ParseInnerClasses(icAttr.Info)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "o/Y_1", out.ClassNameAt(entries[0].InnerClassIndex))
	assert.Equal(t, "o/X_0", out.ClassNameAt(entries[0].OuterClassIndex))
	assert.Equal(t, "Y_1", out.Utf8At(entries[0].InnerNameIndex))

	emAttr := out.FindAttribute(out.Attributes, classfile.AttrEnclosingMethod)
	require.NotNil(t, emAttr)
	assert.Equal(t, "o/X_0", out.ClassNameAt(binary.BigEndian.Uint16(emAttr.Info)))
	name, desc := out.NameAndTypeAt(binary.BigEndian.Uint16(emAttr.Info[2:]))
	assert.Equal(t, "-", name)
	assert.Equal(t, "(Lo/X_0;)V", desc)

	method := out.FindMethod("m", "(Lo/X_0;)V")
	require.NotNil(t, method)
	msig := out.FindAttribute(method.Attributes, classfile.AttrSignature)
	require.NotNil(t, msig)
	assert.Equal(t, "(Ljava/util/List<Lo/X_0;>;)V", out.Utf8At(binary.BigEndian.Uint16(msig.Info)))

	parsed, _, err := out.Code(method)
	require.NoError(t, err)
	lvt, err := classfile.ParseLocalVariables(parsed.Attributes[0].Info)
	require.NoError(t, err)
	assert.Equal(t, "Lo/X_0;", out.Utf8At(lvt[0].DescIndex))
	lvtt, err := classfile.ParseLocalVariables(parsed.Attributes[1].Info)
	require.NoError(t, err)
	assert.Equal(t, "Ljava/util/List<Lo/X_0;>;", out.Utf8At(lvtt[0].DescIndex))
}

// TestApply_Annotations 注解类型描述符
func TestApply_Annotations(t *testing.T) {
	b := classfile.NewBuilder("app/Annotated", "java/lang/Object")
	cf := b.Build()
	info := binary.BigEndian.AppendUint16(nil, 1)
	info = binary.BigEndian.AppendUint16(info, cf.Utf8Index("Lapp/Marker;"))
	info = binary.BigEndian.AppendUint16(info, 0)
	b.Attribute(classfile.AttrRuntimeVisibleAnnotations, info)
	u := unit(t, b, false)

	a := NewApplier(newMapping(map[string]string{"app/Marker": "o/M_0"}, nil), table(u), nil, newTestLogger())
	require.NoError(t, a.Apply(u))

	out := reparse(t, u)
	attr := out.FindAttribute(out.Attributes, classfile.AttrRuntimeVisibleAnnotations)
	require.NotNil(t, attr)
	assert.Equal(t, "Lo/M_0;", out.Utf8At(binary.BigEndian.Uint16(attr.Info[2:])))
	assert.Equal(t, "app/Annotated", out.Name())
}

// TestApply_Record 记录组件描述符
func TestApply_Record(t *testing.T) {
	b := classfile.NewBuilder("app/Point", "java/lang/Record")
	cf := b.Build()
	b.Attribute(classfile.AttrRecord, classfile.EncodeRecord([]classfile.RecordComponent{
		{NameIndex: cf.Utf8Index("origin"), DescIndex: cf.Utf8Index("Lapp/Vec;")},
	}))
	u := unit(t, b, false)

	a := NewApplier(newMapping(map[string]string{"app/Vec": "o/V_0"}, nil), table(u), nil, newTestLogger())
	require.NoError(t, a.Apply(u))

	out := reparse(t, u)
	components, err := classfile.ParseRecord(out.FindAttribute(out.Attributes, classfile.AttrRecord).Info)
	require.NoError(t, err)
	require.Len(t, components, 1)
	assert.Equal(t, "origin", out.Utf8At(components[0].NameIndex))
	assert.Equal(t, "Lo/V_0;", out.Utf8At(components[0].DescIndex))
}

// TestApply_Unmapped 没有映射的类字节不变
func TestApply_Unmapped(t *testing.T) {
	u := unit(t, classfile.NewBuilder("app/Same", "java/lang/Object").
		Field(classfile.AccPrivate, "x", "I").
		Method(classfile.AccPublic, "y", "()Ljava/lang/String;").
		MethodRef("java/lang/String", "length", "()I"), false)
	before := append([]byte(nil), u.Raw...)

	a := NewApplier(newMapping(map[string]string{"app/Other": "o/O_0"}, nil), table(u), nil, newTestLogger())
	require.NoError(t, a.Apply(u))
	assert.Equal(t, before, u.Raw)
	assert.Equal(t, "app/Same.class", u.EntryName)
	assert.Equal(t, "app/Same", a.ClassName("app/Same"))
}

// TestApply_MalformedCode 方法体损坏时返回错误而不是崩溃
func TestApply_MalformedCode(t *testing.T) {
	b := classfile.NewBuilder("app/Bad", "java/lang/Object").Method(classfile.AccPublic, "m", "()V")
	cf := b.Build()
	cf.Methods[0].Attributes[0].Info = []byte{0, 1}
	u := &domain.ClassUnit{EntryName: "app/Bad.class", OriginalName: "app/Bad", Class: cf}

	a := NewApplier(rename.NewMapping(), table(u), nil, newTestLogger())
	assert.Error(t, a.Apply(u))
}
