package exclusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCompile_GlobSemantics 测试 glob 语义
func TestCompile_GlobSemantics(t *testing.T) {
	cases := []struct {
		glob  string
		input string
		want  bool
	}{
		{"com.secret.**", "com/secret/Keys", true},
		{"com.secret.**", "com/secret/deep/Keys", true},
		{"com.secret.**", "com/secretive/Keys", false},
		{"com.secret.*", "com/secret/Keys", true},
		{"com.secret.*", "com/secret/deep/Keys", false},
		{"com.a.B", "com/a/B", true},
		{"com.a.B", "com/a/BB", false},
		{"com.a.B", "xcom/a/B", false},
		{"a.B$*", "a/B$Inner", true},
		{"a.B+", "a/B+", true},
		{"a.B+", "a/BB", false},
		{"**", "anything/at/all", true},
	}
	for _, tc := range cases {
		p, err := Compile(tc.glob)
		require.NoError(t, err)
		assert.Equal(t, tc.want, p.Match(tc.input), "%s vs %s", tc.glob, tc.input)
	}
}

// TestCompile_Idempotent 测试同一规则两次编译结果一致
func TestCompile_Idempotent(t *testing.T) {
	corpus := []string{"a/B", "a/b/C", "com/secret/Keys", "x", "", "a/B$1", "com/secret"}
	for _, glob := range []string{"a.*", "a.**", "com.secret.**", "*", "a.B$*"} {
		p1, err := Compile(glob)
		require.NoError(t, err)
		p2, err := Compile(glob)
		require.NoError(t, err)
		for _, s := range corpus {
			assert.Equal(t, p1.Match(s), p2.Match(s), "%s on %s", glob, s)
		}
	}
}

// TestRuleSet 测试类、方法、字段三类规则
func TestRuleSet(t *testing.T) {
	rs, err := NewRuleSet("com.secret.**\n\n  java.**  \n", "me.name.Class.method\nme.name.Other.*", "com.secret.Keys.token")
	require.NoError(t, err)

	assert.Len(t, rs.Classes, 2)
	assert.True(t, rs.ClassExcluded("com/secret/Keys"))
	assert.True(t, rs.ClassExcluded("java/lang/String"))
	assert.False(t, rs.ClassExcluded("com/open/Keys"))

	assert.True(t, rs.MethodExcluded("me/name/Class", "method"))
	assert.False(t, rs.MethodExcluded("me/name/Class", "other"))
	assert.True(t, rs.MethodExcluded("me/name/Other", "anything"))

	assert.True(t, rs.FieldExcluded("com/secret/Keys", "token"))
	assert.False(t, rs.FieldExcluded("com/secret/Keys", "salt"))

	src, ok := rs.MatchingClassPattern("com/secret/x/Y")
	assert.True(t, ok)
	assert.Equal(t, "com.secret.**", src)

	var empty *RuleSet
	assert.False(t, empty.ClassExcluded("a/B"))
}
