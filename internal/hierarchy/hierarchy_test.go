package hierarchy

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jar-obfuscator/jobf-go/internal/classfile"
	"github.com/jar-obfuscator/jobf-go/internal/domain"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func unit(name, super string, library bool, ifaces ...string) *domain.ClassUnit {
	cf := classfile.NewBuilder(name, super).Implements(ifaces...).Build()
	return &domain.ClassUnit{
		EntryName:    domain.EntryNameOf(name),
		OriginalName: name,
		IsLibrary:    library,
		Class:        cf,
	}
}

func index(units ...*domain.ClassUnit) map[string]*domain.ClassUnit {
	m := make(map[string]*domain.ClassUnit, len(units))
	for _, u := range units {
		m[u.OriginalName] = u
	}
	return m
}

// TestTree_ParentsAndSubs 测试父子关系的双向登记
func TestTree_ParentsAndSubs(t *testing.T) {
	lib := index(unit("java/lang/Object", "", true))
	app := index(
		unit("a/I", "java/lang/Object", false),
		unit("a/B", "java/lang/Object", false, "a/I"),
		unit("a/C", "a/B", false),
	)
	b := NewBuilder(app, lib, false, newTestLogger())

	c, err := b.Tree("a/C")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, []string{"a/B"}, c.Parents)
	assert.False(t, c.MissingSuperClass)

	bn, err := b.Tree("a/B")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"java/lang/Object", "a/I"}, bn.Parents)
	assert.Equal(t, []string{"a/C"}, bn.Subs)

	in, err := b.Tree("a/I")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/B"}, in.Subs)

	obj, err := b.Tree("java/lang/Object")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a/I", "a/B"}, obj.Subs)
	assert.True(t, obj.Unit.IsLibrary)
}

// TestTree_Memoized 测试节点只构建一次
func TestTree_Memoized(t *testing.T) {
	app := index(unit("a/A", "", false), unit("a/B", "a/A", false), unit("a/C", "a/A", false))
	b := NewBuilder(app, nil, false, newTestLogger())

	first, err := b.Tree("a/B")
	require.NoError(t, err)
	_, err = b.Tree("a/C")
	require.NoError(t, err)
	again, err := b.Tree("a/B")
	require.NoError(t, err)

	assert.Same(t, first, again)
	a, _ := b.Tree("a/A")
	assert.ElementsMatch(t, []string{"a/B", "a/C"}, a.Subs)
	assert.Equal(t, 3, b.Size())

	b.Reset()
	assert.Equal(t, 0, b.Size())
}

// TestTree_Unknown 测试未知类返回 nil
func TestTree_Unknown(t *testing.T) {
	b := NewBuilder(nil, nil, true, newTestLogger())
	n, err := b.Tree("nowhere/X")
	assert.NoError(t, err)
	assert.Nil(t, n)
}

// TestTree_MissingTolerant 测试宽松模式下缺失标记向下传递
func TestTree_MissingTolerant(t *testing.T) {
	app := index(
		unit("a/D", "ext/Unresolved", false),
		unit("a/E", "a/D", false),
		unit("a/F", "", false, "a/E"),
	)
	b := NewBuilder(app, nil, false, newTestLogger())

	f, err := b.Tree("a/F")
	require.NoError(t, err)
	assert.True(t, f.MissingSuperClass)

	d, _ := b.Tree("a/D")
	assert.True(t, d.MissingSuperClass)
	assert.Empty(t, d.Parents)
	e, _ := b.Tree("a/E")
	assert.True(t, e.MissingSuperClass)
}

// TestTree_MissingStrict 测试严格模式下报告缺失类
func TestTree_MissingStrict(t *testing.T) {
	app := index(unit("a/D", "ext/Unresolved", false), unit("a/E", "a/D", false))
	b := NewBuilder(app, nil, true, newTestLogger())

	_, err := b.Tree("a/E")
	var missing *MissingClassError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "ext/Unresolved", missing.Missing)
	assert.Equal(t, "a/D", missing.ReferencedIn)
	assert.Equal(t, "ext/Unresolved (referenced in a/D) is missing in the classpath", err.Error())
}

// TestTree_MissingStrictRegistersSubs 严格模式下缺失的父类排在前面时，已解析的父类仍登记子类
func TestTree_MissingStrictRegistersSubs(t *testing.T) {
	app := index(
		unit("p/Api", "java/lang/Object", false),
		unit("p/Impl", "javax/swing/JPanel", false, "p/Api"),
	)
	lib := index(unit("java/lang/Object", "", true))
	b := NewBuilder(app, lib, true, newTestLogger())

	_, err := b.Tree("p/Impl")
	var missing *MissingClassError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "javax/swing/JPanel", missing.Missing)

	api, err := b.Tree("p/Api")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/Impl"}, api.Subs)

	// 重复构建不会重复登记
	_, err = b.Tree("p/Impl")
	require.Error(t, err)
	assert.Equal(t, []string{"p/Impl"}, api.Subs)
}

// TestTree_Cycle 测试成环的继承关系快速失败
func TestTree_Cycle(t *testing.T) {
	app := index(unit("a/X", "a/Y", false), unit("a/Y", "a/Z", false), unit("a/Z", "a/X", false))
	b := NewBuilder(app, nil, false, newTestLogger())

	_, err := b.Tree("a/X")
	assert.ErrorIs(t, err, ErrCyclicHierarchy)

	self := index(unit("a/S", "a/S", false))
	_, err = NewBuilder(self, nil, false, newTestLogger()).Tree("a/S")
	assert.ErrorIs(t, err, ErrCyclicHierarchy)
}

// TestTree_Deep 测试很深的继承链不会耗尽栈
func TestTree_Deep(t *testing.T) {
	const depth = 20000
	units := make([]*domain.ClassUnit, 0, depth)
	units = append(units, unit("d/C0", "", false))
	for i := 1; i < depth; i++ {
		units = append(units, unit(fmt.Sprintf("d/C%d", i), fmt.Sprintf("d/C%d", i-1), false))
	}
	b := NewBuilder(index(units...), nil, false, newTestLogger())

	leaf, err := b.Tree(fmt.Sprintf("d/C%d", depth-1))
	require.NoError(t, err)
	assert.NotNil(t, leaf)
	assert.Equal(t, depth, b.Size())
}

// TestTree_AppShadowsLibrary 测试同名时优先使用待处理类
func TestTree_AppShadowsLibrary(t *testing.T) {
	app := index(unit("a/A", "", false))
	lib := index(unit("a/A", "", true))
	b := NewBuilder(app, lib, false, newTestLogger())

	n, err := b.Tree("a/A")
	require.NoError(t, err)
	assert.False(t, n.Unit.IsLibrary)
}

// TestIsPlatformClass 测试平台命名空间判断
func TestIsPlatformClass(t *testing.T) {
	assert.True(t, IsPlatformClass("java/lang/Object"))
	assert.True(t, IsPlatformClass("javax/swing/JFrame"))
	assert.False(t, IsPlatformClass("javafx/scene/Node"))
}
