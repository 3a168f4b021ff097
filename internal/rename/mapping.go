package rename

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/jar-obfuscator/jobf-go/internal/domain"
)

// MemberKey 成员映射键：owner.name+desc
func MemberKey(owner, name, desc string) string {
	return owner + "." + name + desc
}

// MemberInfo 成员映射键的组成部分
type MemberInfo struct {
	Kind  domain.MappingKind
	Owner string
	Name  string
	Desc  string
}

// Mapping 一次处理产生的重命名表
//
// 同一覆写关系中的所有键映射到同一个新名称。
type Mapping struct {
	Classes map[string]string
	Members map[string]string

	info map[string]MemberInfo
}

// NewMapping 创建空映射
func NewMapping() *Mapping {
	return &Mapping{
		Classes: make(map[string]string),
		Members: make(map[string]string),
		info:    make(map[string]MemberInfo),
	}
}

// Class 映射类名，未映射时原样返回
func (m *Mapping) Class(name string) string {
	if n, ok := m.Classes[name]; ok {
		return n
	}
	return name
}

// Member 查找成员的新名称
func (m *Mapping) Member(owner, name, desc string) (string, bool) {
	n, ok := m.Members[MemberKey(owner, name, desc)]
	return n, ok
}

// HasMember 是否已有该成员的映射
func (m *Mapping) HasMember(owner, name, desc string) bool {
	_, ok := m.Members[MemberKey(owner, name, desc)]
	return ok
}

func (m *Mapping) putMember(kind domain.MappingKind, owner, name, desc, newName string) {
	key := MemberKey(owner, name, desc)
	m.Members[key] = newName
	m.info[key] = MemberInfo{Kind: kind, Owner: owner, Name: name, Desc: desc}
}

// Counts 类、方法、字段映射数量
func (m *Mapping) Counts() (classes, methods, fields int) {
	for _, inf := range m.info {
		if inf.Kind == domain.MappingKindMethod {
			methods++
		} else {
			fields++
		}
	}
	return len(m.Classes), methods, fields
}

// Entries 按稳定顺序导出映射，用于持久化
func (m *Mapping) Entries() []domain.MappingEntry {
	entries := make([]domain.MappingEntry, 0, len(m.Classes)+len(m.Members))
	for _, old := range sortedKeys(m.Classes) {
		entries = append(entries, domain.MappingEntry{
			Kind:    domain.MappingKindClass,
			OldName: old,
			NewName: m.Classes[old],
		})
	}
	for _, key := range sortedKeys(m.Members) {
		inf := m.info[key]
		entries = append(entries, domain.MappingEntry{
			Kind:       inf.Kind,
			Owner:      inf.Owner,
			OldName:    inf.Name,
			Descriptor: inf.Desc,
			NewName:    m.Members[key],
		})
	}
	return entries
}

// WriteTo 以文本形式输出映射，每行 `旧名 -> 新名`
func (m *Mapping) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var total int64
	for _, e := range m.Entries() {
		var n int
		var err error
		if e.Kind == domain.MappingKindClass {
			n, err = fmt.Fprintf(bw, "%s -> %s\n", e.OldName, e.NewName)
		} else {
			n, err = fmt.Fprintf(bw, "    %s %s.%s%s -> %s\n", e.Kind, e.Owner, e.OldName, e.Descriptor, e.NewName)
		}
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
