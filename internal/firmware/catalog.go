// Package firmware assembles the Samsung firmware cache cards from the
// out/odin and out/fw trees.
package firmware

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/unica-wb/backend/internal/cache"
)

// Item is one MODEL_CSC card combining the Odin download and extracted
// firmware state.
type Item struct {
	Key           string `json:"key"`
	Model         string `json:"model"`
	CSC           string `json:"csc"`
	OdinVersion   string `json:"odin_version"`
	FwVersion     string `json:"fw_version"`
	LatestVersion string `json:"latest_version"`
	OdinSizeBytes int64  `json:"odin_size_bytes"`
	FwSizeBytes   int64  `json:"fw_size_bytes"`
	HasOdin       bool   `json:"has_odin"`
	HasFw         bool   `json:"has_fw"`
}

// Status is the source/target firmware summary shown above the build form.
type Status struct {
	SourceModel   string `json:"source_model"`
	SourceCSC     string `json:"source_csc"`
	LatestVersion string `json:"latest_version"`
	DownloadedVer string `json:"downloaded_version"`
	ExtractedVer  string `json:"extracted_version"`
	UpToDate      bool   `json:"up_to_date"`
}

// Catalog reads the cached firmware trees.
type Catalog struct {
	outDir  string
	dirSize *cache.DirSize
	latest  *cache.FirmwareLatest
}

// NewCatalog creates a catalog over the build output directory.
func NewCatalog(outDir string, dirSize *cache.DirSize, latest *cache.FirmwareLatest) *Catalog {
	return &Catalog{outDir: outDir, dirSize: dirSize, latest: latest}
}

// Collect scans out/odin and out/fw into cards keyed by MODEL_CSC. Latest
// versions are not resolved here; callers opt in via FillLatest.
func (c *Catalog) Collect(ctx context.Context) []Item {
	rows := map[string]*Item{}

	c.scanTree(ctx, filepath.Join(c.outDir, "odin"), rows, func(item *Item, dir string) {
		item.HasOdin = true
		item.OdinSizeBytes = c.dirSize.Get(ctx, dir)
		item.OdinVersion = readMarker(filepath.Join(dir, ".downloaded"))
	})
	c.scanTree(ctx, filepath.Join(c.outDir, "fw"), rows, func(item *Item, dir string) {
		item.HasFw = true
		item.FwSizeBytes = c.dirSize.Get(ctx, dir)
		item.FwVersion = readMarker(filepath.Join(dir, ".extracted"))
	})

	items := make([]Item, 0, len(rows))
	for _, item := range rows {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items
}

// FillLatest resolves the latest published version for every card with a
// known model and CSC.
func (c *Catalog) FillLatest(ctx context.Context, items []Item) {
	var pairs [][2]string
	for _, item := range items {
		if item.Model != "" && item.CSC != "" {
			pairs = append(pairs, [2]string{item.Model, item.CSC})
		}
	}
	latest := c.latest.FillLatest(ctx, pairs)
	for i := range items {
		items[i].LatestVersion = latest[items[i].Key]
	}
}

// StatusFor summarizes one firmware value ("MODEL/CSC/...") against the
// collected cards.
func (c *Catalog) StatusFor(ctx context.Context, firmwareValue string, items []Item) Status {
	model, csc := parseModelCSC(firmwareValue)
	key := ""
	if model != "" && csc != "" {
		key = model + "_" + csc
	}

	var entry *Item
	for i := range items {
		if items[i].Key == key {
			entry = &items[i]
			break
		}
	}

	latest := ""
	downloaded := ""
	extracted := ""
	if entry != nil {
		latest = entry.LatestVersion
		downloaded = entry.OdinVersion
		extracted = entry.FwVersion
	}
	if latest == "" {
		latest = c.latest.Get(ctx, model, csc)
	}
	return Status{
		SourceModel:   model,
		SourceCSC:     csc,
		LatestVersion: latest,
		DownloadedVer: downloaded,
		ExtractedVer:  extracted,
		UpToDate:      latest != "" && (downloaded == latest || extracted == latest),
	}
}

func (c *Catalog) scanTree(ctx context.Context, root string, rows map[string]*Item, apply func(*Item, string)) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		model, csc := name, ""
		if i := strings.Index(name, "_"); i >= 0 {
			model, csc = name[:i], name[i+1:]
		}
		key := model
		if csc != "" {
			key = model + "_" + csc
		}
		item, ok := rows[key]
		if !ok {
			item = &Item{Key: key, Model: model, CSC: csc}
			rows[key] = item
		}
		apply(item, filepath.Join(root, name))
	}
}

func parseModelCSC(firmwareValue string) (string, string) {
	parts := strings.Split(firmwareValue, "/")
	if len(parts) < 2 {
		return "", ""
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func readMarker(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
