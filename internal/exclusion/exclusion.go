// Package exclusion 编译排除规则
//
// 规则为按行分隔的 glob：`**` 匹配任意字符，`*` 匹配除 `/` 外的任意字符，
// `.` 视为路径分隔符 `/`，其余字符按字面匹配。匹配要求整串完全一致。
package exclusion

import (
	"regexp"
	"strings"
)

// Pattern 一条已编译的规则
type Pattern struct {
	Source string
	re     *regexp.Regexp
}

// Match 整串匹配
func (p *Pattern) Match(s string) bool {
	return p.re.MatchString(s)
}

// Compile 编译单条 glob
func Compile(glob string) (*Pattern, error) {
	var sb strings.Builder
	sb.WriteString("^(?:")
	for i := 0; i < len(glob); i++ {
		switch c := glob[i]; c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				sb.WriteString(".*")
				i++
			} else {
				sb.WriteString("[^/]*")
			}
		case '.':
			sb.WriteByte('/')
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString(")$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, err
	}
	return &Pattern{Source: glob, re: re}, nil
}

// CompileList 编译按行分隔的规则，空行忽略
func CompileList(raw string) ([]*Pattern, error) {
	var patterns []*Pattern
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		p, err := Compile(line)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

// RuleSet 类、方法、字段三类排除规则，编译后只读
type RuleSet struct {
	Classes []*Pattern
	Methods []*Pattern
	Fields  []*Pattern
}

// NewRuleSet 编译三类规则
func NewRuleSet(classes, methods, fields string) (*RuleSet, error) {
	rs := &RuleSet{}
	var err error
	if rs.Classes, err = CompileList(classes); err != nil {
		return nil, err
	}
	if rs.Methods, err = CompileList(methods); err != nil {
		return nil, err
	}
	if rs.Fields, err = CompileList(fields); err != nil {
		return nil, err
	}
	return rs, nil
}

// ClassExcluded 类是否被排除
func (rs *RuleSet) ClassExcluded(owner string) bool {
	return rs != nil && matchAny(rs.Classes, owner)
}

// MethodExcluded 方法是否被排除，候选串为 owner.name
func (rs *RuleSet) MethodExcluded(owner, name string) bool {
	return rs != nil && matchAny(rs.Methods, memberCandidate(owner, name))
}

// FieldExcluded 字段是否被排除，候选串为 owner.name
func (rs *RuleSet) FieldExcluded(owner, name string) bool {
	return rs != nil && matchAny(rs.Fields, memberCandidate(owner, name))
}

// memberCandidate 规则中的 `.` 已转为 `/`，候选串中的分隔点同样按 `/` 处理
func memberCandidate(owner, name string) string {
	return owner + "/" + name
}

// MatchingClassPattern 返回第一条命中类的规则，用于日志
func (rs *RuleSet) MatchingClassPattern(owner string) (string, bool) {
	if rs == nil {
		return "", false
	}
	for _, p := range rs.Classes {
		if p.Match(owner) {
			return p.Source, true
		}
	}
	return "", false
}

func matchAny(patterns []*Pattern, s string) bool {
	for _, p := range patterns {
		if p.Match(s) {
			return true
		}
	}
	return false
}
