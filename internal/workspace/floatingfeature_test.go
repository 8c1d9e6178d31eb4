package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ffFromPairs(pairs ...[2]string) *FFSet {
	s := NewFFSet()
	for _, p := range pairs {
		s.Set(p[0], p[1])
	}
	return s
}

func TestParseFloatingFeatureXML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "floating_feature.xml")
	content := `<?xml  version="1.0" encoding="UTF-8" ?>
<SecFloatingFeatureSet>
    <SEC_FLOATING_FEATURE_AUDIO_SUPPORT_DOLBY>TRUE</SEC_FLOATING_FEATURE_AUDIO_SUPPORT_DOLBY>
    <SEC_FLOATING_FEATURE_CAMERA_CONFIG_ZOOM>3.0</SEC_FLOATING_FEATURE_CAMERA_CONFIG_ZOOM>
    <NotAFeature>ignored</NotAFeature>
</SecFloatingFeatureSet>
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	set := ParseFloatingFeatureXML(path)
	require.Equal(t, 2, set.Len())
	v, ok := set.Get("SEC_FLOATING_FEATURE_AUDIO_SUPPORT_DOLBY")
	assert.True(t, ok)
	assert.Equal(t, "TRUE", v)
	v, _ = set.Get("SEC_FLOATING_FEATURE_CAMERA_CONFIG_ZOOM")
	assert.Equal(t, "3.0", v)
	_, ok = set.Get("NotAFeature")
	assert.False(t, ok)
}

func TestParseFloatingFeatureXML_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.xml")
	require.NoError(t, os.WriteFile(path, []byte("<open><unclosed>"), 0o644))
	assert.Equal(t, 0, ParseFloatingFeatureXML(path).Len())

	assert.Equal(t, 0, ParseFloatingFeatureXML(filepath.Join(t.TempDir(), "missing.xml")).Len())
}

func TestWriteFloatingFeatureXML_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xml")
	in := ffFromPairs(
		[2]string{"SEC_FLOATING_FEATURE_AUDIO_SUPPORT_DOLBY", "TRUE"},
		[2]string{"SEC_FLOATING_FEATURE_COMMON_CONFIG_THING", "value with spaces"},
	)
	require.NoError(t, WriteFloatingFeatureXML(path, in))

	out := ParseFloatingFeatureXML(path)
	assert.Equal(t, in.Keys(), out.Keys())
	v, _ := out.Get("SEC_FLOATING_FEATURE_COMMON_CONFIG_THING")
	assert.Equal(t, "value with spaces", v)
}

func TestParseCustomizeLists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "customize.sh")
	content := `#!/bin/bash
DEPRECATED="
SEC_FLOATING_FEATURE_OLD_ONE
SEC_FLOATING_FEATURE_OLD_TWO
"
BLACKLIST="
SEC_FLOATING_FEATURE_KEEP_SOURCE
"
FALLBACK="
SEC_FLOATING_FEATURE_CAMERA_CONFIG_ZOOM=${MAX_ZOOM}
SEC_FLOATING_FEATURE_COMMON_CONFIG_MODEL=${MODEL//SM-/}
"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	lists := ParseCustomizeLists(path)
	assert.True(t, lists.Deprecated["SEC_FLOATING_FEATURE_OLD_ONE"])
	assert.True(t, lists.Deprecated["SEC_FLOATING_FEATURE_OLD_TWO"])
	assert.True(t, lists.Blacklist["SEC_FLOATING_FEATURE_KEEP_SOURCE"])
	assert.False(t, lists.Blacklist["SEC_FLOATING_FEATURE_OLD_ONE"])

	fallback := ParseFallbackOverrides(path, map[string]string{
		"MAX_ZOOM": "10.0",
		"MODEL":    "SM-S901B",
	})
	v, _ := fallback.Get("SEC_FLOATING_FEATURE_CAMERA_CONFIG_ZOOM")
	assert.Equal(t, "10.0", v)
	v, _ = fallback.Get("SEC_FLOATING_FEATURE_COMMON_CONFIG_MODEL")
	assert.Equal(t, "S901B", v)
}

func TestMergeFloatingFeatures(t *testing.T) {
	source := ffFromPairs(
		[2]string{"SEC_FLOATING_FEATURE_A", "src-a"},
		[2]string{"SEC_FLOATING_FEATURE_B", "src-b"},
		[2]string{"SEC_FLOATING_FEATURE_BLACK", "src-black"},
		[2]string{"SEC_FLOATING_FEATURE_GONE", "src-gone"},
	)
	target := ffFromPairs(
		[2]string{"SEC_FLOATING_FEATURE_A", "tgt-a"},
		[2]string{"SEC_FLOATING_FEATURE_BLACK", "tgt-black"},
		[2]string{"SEC_FLOATING_FEATURE_ONLY_TARGET", "tgt-only"},
		[2]string{"SEC_FLOATING_FEATURE_DEPR", "tgt-depr"},
	)
	lists := CustomizeLists{
		Deprecated: map[string]bool{"SEC_FLOATING_FEATURE_DEPR": true},
		Blacklist:  map[string]bool{"SEC_FLOATING_FEATURE_BLACK": true},
	}
	fallback := ffFromPairs([2]string{"SEC_FLOATING_FEATURE_B", "fb-b"})

	merged := MergeFloatingFeatures(source, target, lists, fallback)

	get := func(key string) string {
		v, _ := merged.Get(key)
		return v
	}
	// Source key with a target value takes the target's value.
	assert.Equal(t, "tgt-a", get("SEC_FLOATING_FEATURE_A"))
	// No target value: fallback fills in.
	assert.Equal(t, "fb-b", get("SEC_FLOATING_FEATURE_B"))
	// Blacklisted keys keep the source value.
	assert.Equal(t, "src-black", get("SEC_FLOATING_FEATURE_BLACK"))
	// Source key with no target or fallback value is dropped.
	_, ok := merged.Get("SEC_FLOATING_FEATURE_GONE")
	assert.False(t, ok)
	// Target-only keys carry over unless deprecated.
	assert.Equal(t, "tgt-only", get("SEC_FLOATING_FEATURE_ONLY_TARGET"))
	_, ok = merged.Get("SEC_FLOATING_FEATURE_DEPR")
	assert.False(t, ok)
}

func TestApplyCustomFeatures(t *testing.T) {
	base := ffFromPairs(
		[2]string{"SEC_FLOATING_FEATURE_A", "one"},
		[2]string{"SEC_FLOATING_FEATURE_B", "two"},
	)
	custom := ffFromPairs(
		[2]string{"SEC_FLOATING_FEATURE_A", "changed"},
		[2]string{"SEC_FLOATING_FEATURE_B", ""},
		[2]string{"SEC_FLOATING_FEATURE_NEW", "three"},
	)

	out := ApplyCustomFeatures(base, custom)
	v, _ := out.Get("SEC_FLOATING_FEATURE_A")
	assert.Equal(t, "changed", v)
	_, ok := out.Get("SEC_FLOATING_FEATURE_B")
	assert.False(t, ok)
	v, _ = out.Get("SEC_FLOATING_FEATURE_NEW")
	assert.Equal(t, "three", v)

	// Base is untouched.
	v, _ = base.Get("SEC_FLOATING_FEATURE_A")
	assert.Equal(t, "one", v)
}

func TestApplyFFOverrides_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "floating_feature.xml")
	require.NoError(t, WriteFloatingFeatureXML(path, ffFromPairs(
		[2]string{"SEC_FLOATING_FEATURE_A", "orig"},
		[2]string{"SEC_FLOATING_FEATURE_B", "keep"},
	)))

	patch := ApplyFFOverrides(path, map[string]string{
		"SEC_FLOATING_FEATURE_A":   "patched",
		"SEC_FLOATING_FEATURE_NEW": "added",
	})
	require.NotNil(t, patch)

	patched := ParseFloatingFeatureXML(path)
	v, _ := patched.Get("SEC_FLOATING_FEATURE_A")
	assert.Equal(t, "patched", v)
	v, _ = patched.Get("SEC_FLOATING_FEATURE_NEW")
	assert.Equal(t, "added", v)

	RestoreFFOverrides(patch)
	restored := ParseFloatingFeatureXML(path)
	v, _ = restored.Get("SEC_FLOATING_FEATURE_A")
	assert.Equal(t, "orig", v)
	_, ok := restored.Get("SEC_FLOATING_FEATURE_NEW")
	assert.False(t, ok)
}

func TestIsBooleanFeature(t *testing.T) {
	assert.True(t, IsBooleanFeature("TRUE"))
	assert.True(t, IsBooleanFeature("false"))
	assert.False(t, IsBooleanFeature("3.0"))
	assert.False(t, IsBooleanFeature(""))
}
