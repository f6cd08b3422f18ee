package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newFilter(t *testing.T) *Filter {
	t.Helper()
	f, err := NewFilter(64)
	require.NoError(t, err)
	return f
}

func TestRenderLeavesUnknownPlaceholders(t *testing.T) {
	out := Render("hi {name}, {unknown} {name}", map[string]string{"name": "Steve"})
	assert.Equal(t, "hi Steve, {unknown} Steve", out)
}

func TestRenderGameResetsFormattingPerLine(t *testing.T) {
	out := RenderGame("a {x}\nb", map[string]string{"x": "1"})
	assert.Equal(t, "a 1\n&rb", out)
}

func TestFilterBlacklistKeywordIsCaseInsensitive(t *testing.T) {
	f := newFilter(t)
	filters := DefaultChatSyncConfig().Filters
	filters.BlacklistKeywords = []string{"spam"}

	assert.False(t, f.ShouldForward("buy SPAM now", filters))
	assert.True(t, f.ShouldForward("hello", filters))
}

func TestFilterBlacklistRegexIsCaseInsensitive(t *testing.T) {
	f := newFilter(t)
	filters := DefaultChatSyncConfig().Filters
	filters.BlacklistRegex = []string{`^ad\d+`}

	assert.False(t, f.ShouldForward("AD42 cheap", filters))
	assert.True(t, f.ShouldForward("no ads here", filters))
}

func TestFilterMalformedRegexNeverMatches(t *testing.T) {
	f := newFilter(t)
	filters := DefaultChatSyncConfig().Filters
	filters.BlacklistRegex = []string{"("}
	assert.True(t, f.ShouldForward("anything", filters))

	filters.FilterMode = FilterWhitelist
	filters.WhitelistRegex = []string{"("}
	assert.False(t, f.ShouldForward("anything", filters))
}

func TestFilterWhitelist(t *testing.T) {
	f := newFilter(t)
	filters := DefaultChatSyncConfig().Filters
	filters.FilterMode = FilterWhitelist
	filters.WhitelistPrefixes = []string{"#"}
	filters.WhitelistRegex = []string{`^\[q\]`}

	assert.True(t, f.ShouldForward("#hello", filters))
	assert.True(t, f.ShouldForward("[q] question", filters))
	assert.False(t, f.ShouldForward("hello", filters))
}

func TestFilterDocumentedExamples(t *testing.T) {
	blacklist := DefaultChatSyncConfig().Filters
	blacklist.BlacklistKeywords = []string{"foo"}

	whitelist := DefaultChatSyncConfig().Filters
	whitelist.FilterMode = FilterWhitelist
	whitelist.WhitelistPrefixes = []string{"!"}

	cases := []struct {
		name    string
		filters Filters
		message string
		forward bool
	}{
		{"blacklist drops keyword", blacklist, "this has foo in it", false},
		{"blacklist drops keyword inside word", blacklist, "food", false},
		{"blacklist passes other text", blacklist, "hello there", true},
		{"whitelist forwards prefixed", whitelist, "!hello", true},
		{"whitelist drops unprefixed", whitelist, "hello", false},
		{"whitelist drops trailing marker", whitelist, "hello!", false},
	}
	f := newFilter(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.forward, f.ShouldForward(tc.message, tc.filters))
		})
	}
}

func TestFilterUnknownModeAccepts(t *testing.T) {
	f := newFilter(t)
	filters := DefaultChatSyncConfig().Filters
	filters.FilterMode = "other"
	filters.BlacklistKeywords = []string{"x"}
	assert.True(t, f.ShouldForward("x", filters))
}

func TestFilterCountsCharactersNotBytes(t *testing.T) {
	f := newFilter(t)
	filters := DefaultChatSyncConfig().Filters
	filters.MaxMessageLength = 2
	assert.True(t, f.ShouldForward("你好", filters))
	assert.False(t, f.ShouldForward("你好吗", filters))
}

func TestPropertyFilterRejectsOutsideLengthBounds(t *testing.T) {
	f := newFilter(t)
	rapid.Check(t, func(t *rapid.T) {
		minLen := rapid.IntRange(0, 20).Draw(t, "min")
		maxLen := rapid.IntRange(minLen, 40).Draw(t, "max")
		msg := rapid.StringMatching(`[a-z]{0,60}`).Draw(t, "msg")

		filters := DefaultChatSyncConfig().Filters
		filters.MinMessageLength = minLen
		filters.MaxMessageLength = maxLen

		got := f.ShouldForward(msg, filters)
		inBounds := len(msg) >= minLen && len(msg) <= maxLen
		if got != inBounds {
			t.Fatalf("len=%d bounds=[%d,%d] forward=%v", len(msg), minLen, maxLen, got)
		}
	})
}

func TestPropertyGenerateCodeUsesAlphabet(t *testing.T) {
	modes := []CodeMode{CodeModeMix, CodeModeNumber, CodeModeWord, CodeModeUpper, CodeModeLower}
	rapid.Check(t, func(t *rapid.T) {
		mode := rapid.SampledFrom(modes).Draw(t, "mode")
		length := rapid.IntRange(4, 12).Draw(t, "length")

		code, err := GenerateCode(mode, length)
		if err != nil {
			t.Fatalf("GenerateCode: %v", err)
		}
		if len(code) != length {
			t.Fatalf("got %d characters, want %d", len(code), length)
		}
		alphabet := Alphabet(mode)
		for _, c := range code {
			if !strings.ContainsRune(alphabet, c) {
				t.Fatalf("character %q not in %s alphabet", c, mode)
			}
		}
	})
}

func TestGenerateCodeRejectsNonPositiveLength(t *testing.T) {
	_, err := GenerateCode(CodeModeMix, 0)
	assert.Error(t, err)
}

func TestParseBindingConfigOverlaysDefaults(t *testing.T) {
	cfg, err := ParseBindingConfig([]byte(`{"forceBind":true,"codeLength":8}`))
	require.NoError(t, err)
	assert.True(t, cfg.ForceBind)
	assert.Equal(t, 8, cfg.CodeLength)
	assert.Equal(t, "/绑定 ", cfg.Prefix)
	assert.Equal(t, 5, cfg.CodeExpire)

	empty, err := ParseBindingConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBindingConfig(), empty)
}

func TestBindingConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultBindingConfig().Validate())

	cfg := DefaultBindingConfig()
	cfg.CodeLength = 3
	cfg.CodeMode = "emoji"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "codeLength")
	assert.Contains(t, err.Error(), "codeMode")
}

func TestParseTargetConfigUsesStoredFieldNames(t *testing.T) {
	cfg, err := ParseTargetConfig([]byte(`{"CommandConfigSchema":{"enabled":true,"permissions":["admin"],"prefix":"!"},"chatSyncConfigSchema":{"enabled":true}}`))
	require.NoError(t, err)
	assert.True(t, cfg.Command.Enabled)
	assert.Equal(t, "!", cfg.Command.Prefix)
	assert.True(t, cfg.ChatSync.Enabled)
	assert.False(t, cfg.Notify.Enabled)
}

func TestCommandFor(t *testing.T) {
	cmd := TargetCommand{Enabled: true, Permissions: []string{"admin", "owner"}, Prefix: "/"}

	got, ok := cmd.CommandFor("/list", []string{"member", "admin"})
	assert.True(t, ok)
	assert.Equal(t, "list", got)

	_, ok = cmd.CommandFor("/list", []string{"member"})
	assert.False(t, ok)
	_, ok = cmd.CommandFor("list", []string{"admin"})
	assert.False(t, ok)

	cmd.Enabled = false
	_, ok = cmd.CommandFor("/list", []string{"admin"})
	assert.False(t, ok)
}

func TestChatSyncValidate(t *testing.T) {
	cfg := DefaultChatSyncConfig()
	assert.NoError(t, cfg.Validate())
	cfg.Filters.MinMessageLength = 10
	cfg.Filters.MaxMessageLength = 5
	assert.Error(t, cfg.Validate())
}
