package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanText(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		in   string
		want string
	}{
		"empty":      {in: "", want: ""},
		"emoji":      {in: "Big news 🚀🎉 today ☀", want: "Big news today"},
		"control":    {in: "line\x00one\x1Ftwo", want: "lineonetwo"},
		"links":      {in: "read https://example.com/a?b=c and www.site.org now", want: "read and now"},
		"markdown":   {in: "**bold** and _italic_ ~strike~ `code`", want: "bold and italic strike code"},
		"whitespace": {in: "  a \n\t b  ", want: "a b"},
		"cyrillic":   {in: "Инженер", want: "Инженер"},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, CleanText(tc.in))
		})
	}
}

func TestHasLetters(t *testing.T) {
	t.Parallel()

	require.True(t, HasLetters("Engineer"))
	require.True(t, HasLetters("Ingénieur"))
	require.True(t, HasLetters("Инженер"))
	require.False(t, HasLetters("--- 123 ---"))
	require.False(t, HasLetters(""))
}

func TestNormalizeProfileURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://www.linkedin.com/in/jane", NormalizeProfileURL("https://www.linkedin.com/in/jane/"))
	require.Equal(t, "https://www.linkedin.com/in/jane", NormalizeProfileURL("https://WWW.LinkedIn.com/in/jane///?trk=abc#frag"))
	require.Equal(t, "https://www.linkedin.com/in/jane", NormalizeProfileURL("www.LinkedIn.com/in/jane/"))
	require.Equal(t, "https://linkedin.com/in/jane", NormalizeProfileURL("//linkedin.com/in/jane"))
	require.Equal(t, "/in/jane", NormalizeProfileURL("/in/jane"))
	require.Equal(t, "not a url", NormalizeProfileURL("  not a url "))
	require.Equal(t, "", NormalizeProfileURL("   "))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	require.Equal(t, "abc", Truncate("abc", 10))
	require.Equal(t, "ab", Truncate("abcdef", 2))
	// "é" is two bytes; cutting inside it drops the whole rune.
	require.Equal(t, "a", Truncate("aé", 2))
}
