package export

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/msageha/exportd/internal/lease"
	"github.com/msageha/exportd/internal/model"
)

const maxManifestLine = 1 << 20

// DataFile is one entry of a data manifest.
type DataFile struct {
	// RawName is the name as listed, possibly containing time tokens.
	RawName string
	// ClusterName is RawName with time tokens resolved; it is the file's
	// name next to the manifest.
	ClusterName string
	PackageName string
	Tag         string
	CountFound  int
	Invalid     bool
}

var (
	manifestTimeSuffix = regexp.MustCompile(`_(\d{4})_(\d{2})_(\d{2})(?:_(\d{2}))?(?:\.[^._]*)?$`)
	dataFileTimeSuffix = regexp.MustCompile(`_\d{4}_\d{2}_\d{2}(?:_\d{2})?$`)
)

// manifestTime holds the time tokens a manifest name provides.
type manifestTime struct {
	year, month, day, hour string
}

func parseManifestTime(manifestName string) manifestTime {
	m := manifestTimeSuffix.FindStringSubmatch(manifestName)
	if m == nil {
		return manifestTime{}
	}
	return manifestTime{year: m[1], month: m[2], day: m[3], hour: m[4]}
}

func (t manifestTime) resolve(name string) string {
	pairs := make([]string, 0, 8)
	for token, v := range map[string]string{"%Y": t.year, "%m": t.month, "%d": t.day, "%H": t.hour} {
		if v != "" {
			pairs = append(pairs, token, v)
		}
	}
	return strings.NewReplacer(pairs...).Replace(name)
}

func invalidName(name string) bool {
	return name == "" ||
		strings.ContainsAny(name, `/\%`) ||
		strings.Contains(name, "..")
}

// packageBase strips the extension and the time suffix from a cluster name.
func packageBase(clusterName string) string {
	base := strings.TrimSuffix(clusterName, path.Ext(clusterName))
	if stripped := dataFileTimeSuffix.ReplaceAllString(base, ""); stripped != "" {
		base = stripped
	}
	return base
}

// firstField returns the part of line before the first tab or comma, trimmed.
func firstField(line string) string {
	if i := strings.IndexAny(line, "\t,"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// ReadDataManifest parses a data manifest. Entries are de-duplicated
// case-insensitively by cluster name; CountFound records repeats. Invalid
// entries are returned with Invalid set and no package name.
func ReadDataManifest(r io.Reader, manifestName string) ([]*DataFile, error) {
	mt := parseManifestTime(manifestName)
	byName := make(map[string]*DataFile)
	usedPackages := make(map[string]bool)
	uniqueifier := 1

	var out []*DataFile
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxManifestLine)
	for sc.Scan() {
		raw := firstField(sc.Text())
		if raw == "" {
			continue
		}
		cluster := mt.resolve(raw)
		key := strings.ToLower(cluster)
		if existing, ok := byName[key]; ok {
			existing.CountFound++
			continue
		}

		df := &DataFile{RawName: raw, ClusterName: cluster, CountFound: 1}
		if invalidName(cluster) {
			df.Invalid = true
		} else {
			base := packageBase(cluster)
			name := base
			for usedPackages[strings.ToLower(name)] {
				name = base + strconv.Itoa(uniqueifier)
				uniqueifier++
			}
			usedPackages[strings.ToLower(name)] = true
			df.PackageName = name
		}
		byName[key] = df
		out = append(out, df)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read data manifest %s: %w", manifestName, err)
	}
	return out, nil
}

// ReadRequestManifest returns the distinct canonical command ids of a request
// manifest and the number of non-blank rows. renew is called every renewEvery rows.
func ReadRequestManifest(ctx context.Context, r io.Reader, renewEvery int, renew lease.RenewFunc) ([]string, int, error) {
	seen := make(map[string]bool)
	var ids []string
	rows := 0

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxManifestLine)
	for sc.Scan() {
		raw := firstField(sc.Text())
		if raw == "" {
			continue
		}
		rows++
		if renew != nil && renewEvery > 0 && rows%renewEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, rows, err
			}
			if err := renew(ctx); err != nil {
				return nil, rows, fmt.Errorf("renew while reading request manifest: %w", err)
			}
		}
		id := model.CanonicalizeCommandID(raw)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, rows, fmt.Errorf("read request manifest: %w", err)
	}
	return ids, rows, nil
}

// validFiles drops invalid entries.
func validFiles(files []*DataFile) []*DataFile {
	out := make([]*DataFile, 0, len(files))
	for _, f := range files {
		if !f.Invalid {
			out = append(out, f)
		}
	}
	return out
}

func rawNames(files []*DataFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.RawName
	}
	return out
}
