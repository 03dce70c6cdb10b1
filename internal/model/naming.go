package model

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DataFileManifestPrefix = "DataFileManifest"
	RequestManifestPrefix  = "RequestManifest"

	// IncorrectDataManifestPrefix is a frequent producer typo; such files are
	// neither manifests nor counted as loose data files.
	IncorrectDataManifestPrefix = "DataManifest"

	// PlaceholderFileName is kept in export roots by producers and ignored.
	PlaceholderFileName = "readme.txt"

	// PackageDataFileExtension is appended to package names at fan-out.
	PackageDataFileExtension = ".json"
)

var ErrInvalidFileTag = errors.New("invalid file tag")

type FileKind int

const (
	KindDataFile FileKind = iota
	KindDataManifest
	KindRequestManifest
)

// GenerateFileTag identifies a data file and its owning agent within a tag.
func GenerateFileTag(tag, agentID, fileName string) string {
	return tag + "." + agentID + "." + fileName
}

// SplitFileTag reverses GenerateFileTag. Only the first two dots separate
// parts since file names may contain dots.
func SplitFileTag(fileTag string) (tag, agentID, name string, err error) {
	if strings.TrimSpace(fileTag) == "" {
		return "", "", "", fmt.Errorf("%w: empty", ErrInvalidFileTag)
	}
	var parts []string
	rest := fileTag
	for len(parts) < 2 {
		i := strings.IndexByte(rest, '.')
		if i < 0 {
			break
		}
		if i > 0 {
			parts = append(parts, rest[:i])
		}
		rest = rest[i+1:]
	}
	if rest != "" {
		parts = append(parts, rest)
	}
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: found %d parts instead of 3 in [%s]", ErrInvalidFileTag, len(parts), fileTag)
	}
	return parts[0], parts[1], parts[2], nil
}

// CanonicalizeCommandID strips dashes and lower-cases id.
func CanonicalizeCommandID(id string) string {
	return strings.ToLower(strings.ReplaceAll(id, "-", ""))
}

// SplitManifestName splits name at its first underscore. The suffix keeps the
// underscore and is empty when there is none or it is the first character.
func SplitManifestName(name string) (prefix, suffix string) {
	i := strings.IndexByte(name, '_')
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i:]
}

// ClassifyFile returns the kind of a file in an agent directory and its time suffix.
func ClassifyFile(name string) (FileKind, string) {
	prefix, suffix := SplitManifestName(name)
	switch {
	case strings.EqualFold(prefix, DataFileManifestPrefix):
		return KindDataManifest, suffix
	case strings.EqualFold(prefix, RequestManifestPrefix):
		return KindRequestManifest, suffix
	default:
		return KindDataFile, suffix
	}
}

// CounterpartName is the name of the opposite manifest with the same suffix.
func CounterpartName(kind FileKind, suffix string) string {
	if kind == KindDataManifest {
		return RequestManifestPrefix + suffix
	}
	return DataFileManifestPrefix + suffix
}

// HasReservedPrefix reports whether name starts with a manifest prefix.
func HasReservedPrefix(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(lower, strings.ToLower(DataFileManifestPrefix)) ||
		strings.HasPrefix(lower, strings.ToLower(RequestManifestPrefix))
}

// IsIncorrectManifestName reports the common DataManifest typo.
func IsIncorrectManifestName(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), strings.ToLower(IncorrectDataManifestPrefix))
}
