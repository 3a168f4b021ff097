package rename

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/jar-obfuscator/jobf-go/internal/classfile"
)

// PackageMode 类重命名后的包位置策略
type PackageMode string

const (
	// PackageFlatten 全部移到根包
	PackageFlatten PackageMode = "flatten"
	// PackageSingle 全部移到一个指定包
	PackageSingle PackageMode = "single"
	// PackagePreserve 保留原包路径，只改类名
	PackagePreserve PackageMode = "preserve"
	// PackageRandom 每个类随机放入配置的多个包之一
	PackageRandom PackageMode = "random"
	// PackageCommon 随机放入常见第三方库的包路径
	PackageCommon PackageMode = "common"
)

// ParsePackageMode 解析包位置策略
func ParsePackageMode(s string) (PackageMode, error) {
	switch m := PackageMode(strings.ToLower(strings.TrimSpace(s))); m {
	case PackageFlatten, PackageSingle, PackagePreserve, PackageRandom, PackageCommon:
		return m, nil
	case "":
		return PackageFlatten, nil
	}
	return "", fmt.Errorf("unknown package mode %q", s)
}

// commonPackages 常见第三方库包路径，用于 common 策略
var commonPackages = []string{
	"com/google/common/collect/",
	"com/google/common/base/",
	"com/google/gson/internal/",
	"org/apache/commons/lang3/",
	"org/apache/commons/io/",
	"org/apache/http/impl/",
	"org/slf4j/helpers/",
	"io/netty/util/internal/",
	"com/fasterxml/jackson/core/",
	"org/springframework/util/",
	"okhttp3/internal/",
	"kotlin/jvm/internal/",
	"org/json/",
	"okio/",
}

// NormalizePackage 把 a.b.c 或 a/b/c 转为 a/b/c/，空串表示根包
func NormalizePackage(pkg string) string {
	pkg = strings.Trim(strings.ReplaceAll(strings.TrimSpace(pkg), ".", "/"), "/")
	if pkg == "" {
		return ""
	}
	return pkg + "/"
}

// placement 选择目标包
type placement struct {
	mode     PackageMode
	packages []string
	rng      *rand.Rand
}

func newPlacement(mode PackageMode, packages []string, seed uint64) *placement {
	p := &placement{mode: mode}
	for _, pkg := range packages {
		if n := NormalizePackage(pkg); n != "" {
			p.packages = append(p.packages, n)
		}
	}
	if len(p.packages) == 0 {
		p.packages = []string{"org/obfuscated/"}
	}
	if seed == 0 {
		p.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	} else {
		p.rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return p
}

// packageFor 返回带末尾斜杠的目标包
func (p *placement) packageFor(oldName string) string {
	switch p.mode {
	case PackageSingle:
		return p.packages[0]
	case PackagePreserve:
		if pkg := classfile.PackageOf(oldName); pkg != "" {
			return pkg + "/"
		}
		return ""
	case PackageRandom:
		return p.packages[p.rng.IntN(len(p.packages))]
	case PackageCommon:
		return commonPackages[p.rng.IntN(len(commonPackages))]
	default:
		return ""
	}
}
