package workspace

import (
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ffKeyRe    = regexp.MustCompile(`^SEC_FLOATING_FEATURE_[A-Z0-9_]+$`)
	ffAssignRe = regexp.MustCompile(`^\s*(SEC_FLOATING_FEATURE_[A-Z0-9_]+)\s*=\s*(.*?)\s*$`)
	ffExpandRe = regexp.MustCompile(`\$\{([^}]+)\}`)
)

// IsFloatingFeatureKey reports whether key is a valid floating-feature name.
func IsFloatingFeatureKey(key string) bool { return ffKeyRe.MatchString(key) }

// FFSet is an insertion-ordered set of floating-feature assignments. Order
// matters because the merged set is written back as XML in source order.
type FFSet struct {
	keys   []string
	values map[string]string
}

// NewFFSet creates an empty set.
func NewFFSet() *FFSet {
	return &FFSet{values: map[string]string{}}
}

func (s *FFSet) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *FFSet) Set(key, value string) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

func (s *FFSet) Delete(key string) {
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
}

func (s *FFSet) Keys() []string { return s.keys }

func (s *FFSet) Len() int { return len(s.keys) }

func (s *FFSet) Clone() *FFSet {
	out := NewFFSet()
	for _, k := range s.keys {
		out.Set(k, s.values[k])
	}
	return out
}

// ParseFloatingFeatureXML reads SEC_FLOATING_FEATURE_* elements from a
// floating_feature.xml file, preserving document order. Malformed or missing
// files yield an empty set.
func ParseFloatingFeatureXML(path string) *FFSet {
	out := NewFFSet()
	data, err := os.ReadFile(path)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return out
	}

	dec := xml.NewDecoder(strings.NewReader(string(data)))
	depth := 0
	currentKey := ""
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return out
		}
		if err != nil {
			// malformed document, treat as absent
			return NewFFSet()
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 && ffKeyRe.MatchString(t.Name.Local) {
				currentKey = t.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if currentKey != "" {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 2 && currentKey != "" {
				out.Set(currentKey, strings.TrimSpace(text.String()))
				currentKey = ""
			}
			depth--
		}
	}
}

// WriteFloatingFeatureXML writes the set back in the flat format the build
// scripts expect.
func WriteFloatingFeatureXML(path string, entries *FFSet) error {
	var b strings.Builder
	b.WriteString("<?xml  version=\"1.0\" encoding=\"UTF-8\" ?>\n")
	b.WriteString("<SecFloatingFeatureSet>\n")
	for _, key := range entries.Keys() {
		if !ffKeyRe.MatchString(key) {
			continue
		}
		value, _ := entries.Get(key)
		b.WriteString("    <" + key + ">" + value + "</" + key + ">\n")
	}
	b.WriteString("</SecFloatingFeatureSet>\n")
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// ParseShellAssignments extracts SEC_FLOATING_FEATURE_* assignments from a
// shell file (platform/device sff.sh).
func ParseShellAssignments(path string) *FFSet {
	out := NewFFSet()
	data, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := ffAssignRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out.Set(m[1], strings.Trim(strings.TrimSpace(m[2]), `"'`))
	}
	return out
}

// parseCustomizeBlock extracts the newline-separated body of VAR="..." from
// the customize script.
func parseCustomizeBlock(path, varName string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	pattern := regexp.MustCompile(`(?s)` + regexp.QuoteMeta(varName) + `="(.*?)"`)
	m := pattern.FindStringSubmatch(string(data))
	if m == nil {
		return nil
	}
	var lines []string
	for _, l := range strings.Split(m[1], "\n") {
		if t := strings.TrimSpace(l); t != "" {
			lines = append(lines, t)
		}
	}
	return lines
}

// CustomizeLists holds the deprecated and blacklist feature-key sets from
// the __floating_feature customize script.
type CustomizeLists struct {
	Deprecated map[string]bool
	Blacklist  map[string]bool
}

// ParseCustomizeLists reads the DEPRECATED and BLACKLIST blocks.
func ParseCustomizeLists(path string) CustomizeLists {
	return CustomizeLists{
		Deprecated: toSet(parseCustomizeBlock(path, "DEPRECATED")),
		Blacklist:  toSet(parseCustomizeBlock(path, "BLACKLIST")),
	}
}

// expandFallbackValue resolves ${VAR} and ${VAR//needle/replacement}
// references against the target's shell variables.
func expandFallbackValue(value string, variables map[string]string) string {
	if !strings.Contains(value, "${") {
		return value
	}
	return ffExpandRe.ReplaceAllStringFunc(value, func(match string) string {
		raw := match[2 : len(match)-1]
		if name, rest, ok := strings.Cut(raw, "//"); ok {
			needle, replacement, _ := strings.Cut(rest, "/")
			return strings.ReplaceAll(variables[name], needle, replacement)
		}
		return variables[raw]
	})
}

// ParseFallbackOverrides reads the FALLBACK block, expanding shell variable
// references against the target config.
func ParseFallbackOverrides(path string, variables map[string]string) *FFSet {
	out := NewFFSet()
	for _, line := range parseCustomizeBlock(path, "FALLBACK") {
		m := ffAssignRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		value := strings.Trim(strings.TrimSpace(m[2]), `"'`)
		out.Set(m[1], expandFallbackValue(value, variables))
	}
	return out
}

// MergeFloatingFeatures reproduces the __floating_feature patch logic:
// source keys take the target's (or fallback) value unless blacklisted,
// target-only keys carry over unless deprecated.
func MergeFloatingFeatures(source, target *FFSet, lists CustomizeLists, fallback *FFSet) *FFSet {
	result := NewFFSet()

	for _, key := range source.Keys() {
		sourceValue, _ := source.Get(key)
		if lists.Blacklist[key] {
			result.Set(key, sourceValue)
			continue
		}
		targetValue, _ := target.Get(key)
		if targetValue == "" {
			targetValue, _ = fallback.Get(key)
		}
		if targetValue == "" {
			continue
		}
		result.Set(key, targetValue)
	}

	for _, key := range target.Keys() {
		if lists.Blacklist[key] {
			continue
		}
		if _, inSource := source.Get(key); !inSource && !lists.Deprecated[key] {
			value, _ := target.Get(key)
			result.Set(key, value)
		}
	}
	return result
}

// ApplyCustomFeatures overlays custom assignments onto a base set. An empty
// value removes the key.
func ApplyCustomFeatures(base, custom *FFSet) *FFSet {
	out := base.Clone()
	for _, key := range custom.Keys() {
		value, _ := custom.Get(key)
		if value == "" {
			out.Delete(key)
		} else {
			out.Set(key, value)
		}
	}
	return out
}

// IsBooleanFeature reports whether a value is a TRUE/FALSE toggle.
func IsBooleanFeature(value string) bool {
	upper := strings.ToUpper(value)
	return upper == "TRUE" || upper == "FALSE"
}

// FFDefault is one merged floating-feature entry exposed to clients.
type FFDefault struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	IsBoolean bool   `json:"is_boolean"`
}

// FFDefaults is the computed default floating-feature set for a target.
type FFDefaults struct {
	Entries    []FFDefault `json:"entries"`
	SourcePath string      `json:"source_path"`
	TargetPath string      `json:"target_path"`
}

// CollectFFDefaults computes the merged floating-feature defaults for a
// target from the extracted source and target firmware trees, falling back
// to the bundled reference XML when a firmware has not been extracted yet.
func (w *Workspace) CollectFFDefaults(target, sourceFirmware, targetFirmware string) FFDefaults {
	root := w.RepoRootOrDefault()
	fallbackXML := filepath.Join(w.cfg.DataDir, "floating_feature.xml")

	sourceXML := w.firmwareFFPath(FirmwareKey(sourceFirmware))
	targetXML := w.firmwareFFPath(FirmwareKey(targetFirmware))
	if !isFile(sourceXML) {
		sourceXML = fallbackXML
	}
	if !isFile(targetXML) {
		targetXML = fallbackXML
	}

	sourceEntries := ParseFloatingFeatureXML(sourceXML)
	targetEntries := ParseFloatingFeatureXML(targetXML)

	customizePath := filepath.Join(root, "unica", "patches", "__floating_feature", "customize.sh")
	lists := ParseCustomizeLists(customizePath)

	targetVars := parseShellVars(filepath.Join(root, "target", target, "config.sh"))
	platform := targetVars["TARGET_PLATFORM"]
	if platform != "" {
		for k, v := range parseShellVars(filepath.Join(root, "platform", platform, "config.sh")) {
			targetVars[k] = v
		}
	}
	fallback := ParseFallbackOverrides(customizePath, targetVars)

	merged := MergeFloatingFeatures(sourceEntries, targetEntries, lists, fallback)

	if platform != "" {
		merged = ApplyCustomFeatures(merged, ParseShellAssignments(filepath.Join(root, "platform", platform, "sff.sh")))
	}
	merged = ApplyCustomFeatures(merged, ParseShellAssignments(filepath.Join(root, "target", target, "sff.sh")))

	out := FFDefaults{SourcePath: sourceXML, TargetPath: targetXML}
	for _, key := range merged.Keys() {
		value, _ := merged.Get(key)
		out.Entries = append(out.Entries, FFDefault{Key: key, Value: value, IsBoolean: IsBooleanFeature(value)})
	}
	return out
}

func (w *Workspace) firmwareFFPath(fwKey string) string {
	if fwKey == "" {
		return ""
	}
	return filepath.Join(w.cfg.OutDir, "fw", fwKey, "system", "system", "etc", "floating_feature.xml")
}

// FFPatch records an applied floating-feature override for later restore.
type FFPatch struct {
	Target string
	Backup string
}

// ApplyFFOverrides patches a firmware's floating_feature.xml for one build.
// Empty override values remove the key. Returns nil when the XML is absent.
func ApplyFFOverrides(xmlPath string, overrides map[string]string) *FFPatch {
	data, err := os.ReadFile(xmlPath)
	if err != nil {
		return nil
	}
	backup := xmlPath + ".bak.unica-wb"
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		return nil
	}

	entries := ParseFloatingFeatureXML(xmlPath)
	for key, value := range overrides {
		if !ffKeyRe.MatchString(key) {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			entries.Delete(key)
		} else {
			entries.Set(key, value)
		}
	}
	if err := WriteFloatingFeatureXML(xmlPath, entries); err != nil {
		return nil
	}
	return &FFPatch{Target: xmlPath, Backup: backup}
}

// RestoreFFOverrides reverts a floating-feature patch.
func RestoreFFOverrides(patch *FFPatch) {
	if patch == nil {
		return
	}
	data, err := os.ReadFile(patch.Backup)
	if err != nil {
		return
	}
	if err := os.WriteFile(patch.Target, data, 0o644); err != nil {
		return
	}
	os.Remove(patch.Backup)
}

func toSet(values []string) map[string]bool {
	out := map[string]bool{}
	for _, v := range values {
		out[v] = true
	}
	return out
}
