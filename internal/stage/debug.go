package stage

import (
	"fmt"

	"github.com/jar-obfuscator/jobf-go/internal/classfile"
	"github.com/jar-obfuscator/jobf-go/internal/domain"
	"github.com/jar-obfuscator/jobf-go/internal/naming"
)

// 阶段名
const (
	LineNumberRemoverName    = "line_number_remover"
	SourceInfoRemoverName    = "source_info_remover"
	LocalVariableRenamerName = "local_variable_renamer"
	ShuffleMembersName       = "shuffle_members"
	HideMembersName          = "hide_members"
	InnerClassRemoverName    = "inner_class_remover"
)

// LineNumberRemover 删除行号表
type LineNumberRemover struct{}

func (LineNumberRemover) Name() string { return LineNumberRemoverName }

func (LineNumberRemover) Process(u *domain.ClassUnit) (Result, error) {
	return Result{}, u.Class.StripDebug(classfile.AttrLineNumberTable)
}

// SourceInfoRemover 删除源文件名与调试扩展
type SourceInfoRemover struct{}

func (SourceInfoRemover) Name() string { return SourceInfoRemoverName }

func (SourceInfoRemover) Process(u *domain.ClassUnit) (Result, error) {
	u.Class.Attributes, _ = u.Class.RemoveAttributes(u.Class.Attributes,
		classfile.AttrSourceFile, classfile.AttrSourceDebugExtension)
	return Result{}, nil
}

// LocalVariableRenamer 把局部变量名替换为生成的名称，this 保持不变
type LocalVariableRenamer struct {
	names *naming.Generator
}

func (*LocalVariableRenamer) Name() string { return LocalVariableRenamerName }

func (s *LocalVariableRenamer) Process(u *domain.ClassUnit) (Result, error) {
	cf := u.Class
	for _, m := range cf.Methods {
		code, attr, err := cf.Code(m)
		if err != nil {
			return Result{}, fmt.Errorf("method %s: %w", cf.MemberName(m), err)
		}
		if code == nil {
			continue
		}
		// 同一变量在类型表中使用相同的新名称
		renamed := make(map[[3]uint16]uint16)
		changed := false
		for _, table := range []string{classfile.AttrLocalVariableTable, classfile.AttrLocalVariableTypeTable} {
			a := cf.FindAttribute(code.Attributes, table)
			if a == nil {
				continue
			}
			vars, err := classfile.ParseLocalVariables(a.Info)
			if err != nil {
				return Result{}, fmt.Errorf("method %s: %w", cf.MemberName(m), err)
			}
			for i, v := range vars {
				if cf.Utf8At(v.NameIndex) == "this" {
					continue
				}
				key := [3]uint16{v.StartPC, v.Length, v.Slot}
				idx, ok := renamed[key]
				if !ok {
					idx = cf.Utf8Index(s.names.LocalVariableName())
					renamed[key] = idx
				}
				vars[i].NameIndex = idx
			}
			a.Info = classfile.EncodeLocalVariables(vars)
			changed = true
		}
		if changed {
			attr.Info = code.Encode()
		}
	}
	return Result{}, nil
}
