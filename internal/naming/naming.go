// Package naming 生成混淆后的类名、成员名与局部变量名
package naming

import (
	"bufio"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"unicode"

	"github.com/sirupsen/logrus"
)

// DefaultAlphabet 默认成员名字符集
const DefaultAlphabet = "-_|"

// 类名随机部分取自以下 Unicode 区段
var letterRanges = [][2]rune{
	{0x00C0, 0x00FF},   // Latin-1 补充
	{0x0370, 0x03FF},   // 希腊文
	{0x0400, 0x04FF},   // 西里尔文
	{0x4E00, 0x9FFF},   // 中日韩统一表意文字
	{0x1D400, 0x1D7FF}, // 数学字母数字符号
}

// Options 生成器配置
type Options struct {
	Alphabet         string
	MemberDictionary []string
	ClassDictionary  []string
	// Seed 非零时使用固定种子，便于复现
	Seed uint64
}

// Generator 标识符生成器
//
// 类名按目标包单独计数；方法与字段各有一个全局计数器；局部变量名使用独立的递减计数器。
type Generator struct {
	mu         sync.Mutex
	rng        *rand.Rand
	alphabet   []rune
	members    []string
	classNames []string

	packages  map[string]int
	methods   int
	fields    int
	localVars int
}

// New 创建生成器
func New(opts Options, logger *logrus.Logger) *Generator {
	alphabet := uniqueRunes(opts.Alphabet)
	if len(alphabet) < 2 {
		if logger != nil {
			logger.WithField("alphabet", opts.Alphabet).Warn("Generator alphabet needs at least two distinct characters, using default")
		}
		alphabet = []rune(DefaultAlphabet)
	}

	seed1, seed2 := opts.Seed, opts.Seed^0x9E3779B97F4A7C15
	if opts.Seed == 0 {
		seed1, seed2 = rand.Uint64(), rand.Uint64()
	}

	return &Generator{
		rng:        rand.New(rand.NewPCG(seed1, seed2)),
		alphabet:   alphabet,
		members:    opts.MemberDictionary,
		classNames: opts.ClassDictionary,
		packages:   make(map[string]int),
		localVars:  math.MaxInt16,
	}
}

// Reset 重置所有计数器，新一轮处理开始时调用
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.packages = make(map[string]int)
	g.methods = 0
	g.fields = 0
	g.localVars = math.MaxInt16
}

// ClassName 为目标包生成一个类名（不含包前缀）
//
// 唯一性由包内递增计数保证，随机部分只用于干扰阅读。
func (g *Generator) ClassName(pkg string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.packages[pkg]
	g.packages[pkg] = id + 1

	base := ""
	if id < len(g.classNames) {
		base = g.classNames[id]
	} else {
		base = string(rune('A'+g.rng.IntN(26))) + g.unicodeString(4+g.rng.IntN(6))
	}
	return fmt.Sprintf("%s_%d", base, id)
}

// MethodName 生成方法名
func (g *Generator) MethodName() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.methods
	g.methods++
	return g.memberName(id)
}

// FieldName 生成字段名
func (g *Generator) FieldName() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.fields
	g.fields++
	return g.memberName(id)
}

// LocalVariableName 生成局部变量名，计数器从 32767 递减，归零后回绕
func (g *Generator) LocalVariableName() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.localVars == 0 {
		g.localVars = math.MaxInt16
	}
	name := EncodeBase(g.localVars, g.alphabet)
	g.localVars--
	return name
}

func (g *Generator) memberName(id int) string {
	if id < len(g.members) {
		return g.members[id]
	}
	return EncodeBase(id, g.alphabet)
}

func (g *Generator) unicodeString(length int) string {
	out := make([]rune, 0, length)
	for len(out) < length {
		r := letterRanges[g.rng.IntN(len(letterRanges))]
		c := r[0] + rune(g.rng.IntN(int(r[1]-r[0])))
		// 区段内的未分配码位与符号不能作为标识符
		if unicode.IsLetter(c) {
			out = append(out, c)
		}
	}
	return string(out)
}

// EncodeBase 按位置进制把非负整数编码为字符串
func EncodeBase(n int, alphabet []rune) string {
	base := len(alphabet)
	if n == 0 {
		return string(alphabet[0])
	}
	var digits []rune
	for n > 0 {
		digits = append(digits, alphabet[n%base])
		n /= base
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}

// LoadDictionary 读取字典文件
func LoadDictionary(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDictionary(string(data)), nil
}

// ParseDictionary 解析逗号或换行分隔的名称，去除空项、非法名称与重复项
func ParseDictionary(content string) []string {
	var names []string
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		for _, name := range strings.Split(scanner.Text(), ",") {
			name = strings.TrimSpace(name)
			if name == "" || !ValidIdentifier(name) {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

// ValidIdentifier 是否可作为 class 文件中的非限定名
func ValidIdentifier(name string) bool {
	if name == "" || name == "<init>" || name == "<clinit>" {
		return false
	}
	return !strings.ContainsAny(name, ".;[/<>")
}

func uniqueRunes(s string) []rune {
	var out []rune
	seen := make(map[rune]struct{})
	for _, r := range s {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
