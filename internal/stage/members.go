package stage

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/jar-obfuscator/jobf-go/internal/classfile"
	"github.com/jar-obfuscator/jobf-go/internal/domain"
)

// ShuffleMembers 打乱字段与方法的声明顺序
//
// seed 非零时每个类的顺序由 seed 与类名决定，结果可复现。
type ShuffleMembers struct {
	seed uint64
}

func (*ShuffleMembers) Name() string { return ShuffleMembersName }

func (s *ShuffleMembers) Process(u *domain.ClassUnit) (Result, error) {
	rng := s.rng(u.OriginalName)
	cf := u.Class
	rng.Shuffle(len(cf.Fields), func(i, j int) { cf.Fields[i], cf.Fields[j] = cf.Fields[j], cf.Fields[i] })
	rng.Shuffle(len(cf.Methods), func(i, j int) { cf.Methods[i], cf.Methods[j] = cf.Methods[j], cf.Methods[i] })
	return Result{}, nil
}

func (s *ShuffleMembers) rng(name string) *rand.Rand {
	if s.seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	return rand.New(rand.NewPCG(s.seed, h.Sum64()))
}

// HideMembers 把成员标记为编译器生成，使反编译器默认隐藏它们
//
// 接口与注解类型不处理；构造器与静态初始化块只加 synthetic。
type HideMembers struct{}

func (HideMembers) Name() string { return HideMembersName }

func (HideMembers) Process(u *domain.ClassUnit) (Result, error) {
	cf := u.Class
	if cf.IsInterface() {
		return Result{}, nil
	}
	for _, m := range cf.Methods {
		if m.Access&(classfile.AccNative|classfile.AccAbstract) != 0 {
			continue
		}
		m.Access |= classfile.AccSynthetic
		if name := cf.MemberName(m); name != "<init>" && name != "<clinit>" {
			m.Access |= classfile.AccBridge
		}
	}
	for _, f := range cf.Fields {
		f.Access |= classfile.AccSynthetic
	}
	return Result{}, nil
}

// InnerClassRemover 删除内部类与外围方法信息
type InnerClassRemover struct{}

func (InnerClassRemover) Name() string { return InnerClassRemoverName }

func (InnerClassRemover) Process(u *domain.ClassUnit) (Result, error) {
	u.Class.Attributes, _ = u.Class.RemoveAttributes(u.Class.Attributes,
		classfile.AttrInnerClasses, classfile.AttrEnclosingMethod)
	return Result{}, nil
}
