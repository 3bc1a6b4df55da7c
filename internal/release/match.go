package release

import (
	"regexp"
	"sort"
	"strings"

	"github.com/corymhall/pulumi-provider-pde/internal/failure"
)

var osAliases = map[string][]string{
	"darwin":  {"darwin", "macos", "apple", "osx", "mac"},
	"linux":   {"linux"},
	"windows": {"windows", "win", "win64", "win32"},
	"freebsd": {"freebsd"},
}

var archAliases = map[string][]string{
	"amd64": {"amd64", "x86_64", "x64", "64bit"},
	"arm64": {"arm64", "aarch64"},
	"386":   {"386", "i386", "i686", "32bit"},
	"arm":   {"armv7", "armv7l", "armv6", "arm"},
}

// Files published next to binaries that are never what the user wants installed.
var skipSuffixes = []string{
	".sha256", ".sha512", ".sha1", ".md5", ".sig", ".asc", ".pem", ".cert", ".sbom",
	".spdx", ".txt", ".json", ".deb", ".rpm", ".apk", ".msi", ".pkg", ".dmg",
}

func wordPattern(words []string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)(^|[^a-z0-9])(` + strings.Join(quoted, "|") + `)([^a-z0-9]|$)`)
}

// expandPattern substitutes the placeholders an asset name may carry.
func expandPattern(pattern, tag, goos, goarch string) string {
	return strings.NewReplacer(
		"{version}", strings.TrimPrefix(tag, "v"),
		"{tag}", tag,
		"{os}", goos,
		"{arch}", goarch,
	).Replace(pattern)
}

// platformScore ranks how well name fits goos/goarch. Zero means it does not fit.
func platformScore(name, goos, goarch string) int {
	lower := strings.ToLower(name)
	for _, s := range skipSuffixes {
		if strings.HasSuffix(lower, s) {
			return 0
		}
	}
	osWords, ok := osAliases[goos]
	if !ok {
		osWords = []string{goos}
	}
	if !wordPattern(osWords).MatchString(lower) {
		return 0
	}
	archWords, ok := archAliases[goarch]
	if !ok {
		archWords = []string{goarch}
	}
	score := 1
	switch {
	case wordPattern(archWords).MatchString(lower):
		score += 2
	case goos == "darwin" && wordPattern([]string{"universal", "all"}).MatchString(lower):
		score++
	default:
		return 0
	}
	if FormatOf(lower) != Raw {
		score++
	}
	return score
}

// selectAsset picks the asset for pattern. An empty pattern selects by platform.
func selectAsset(org, repo, tag string, assets []Asset, pattern, goos, goarch string) (Asset, error) {
	sorted := append([]Asset(nil), assets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	notFound := func() error {
		names := make([]string, len(sorted))
		for i, a := range sorted {
			names[i] = a.Name
		}
		return &failure.AssetNotFoundError{Org: org, Repo: repo, Tag: tag, Pattern: pattern, Available: names}
	}

	candidates := sorted
	if pattern != "" {
		expanded := expandPattern(pattern, tag, goos, goarch)
		for _, a := range sorted {
			if a.Name == expanded {
				return a, nil
			}
		}
		re, err := regexp.Compile(expanded)
		if err != nil {
			return Asset{}, &failure.ValidationError{Field: "assetName", Reason: err.Error()}
		}
		candidates = nil
		for _, a := range sorted {
			if re.MatchString(a.Name) {
				candidates = append(candidates, a)
			}
		}
		switch len(candidates) {
		case 0:
			return Asset{}, notFound()
		case 1:
			return candidates[0], nil
		}
		// Several names match the pattern; let the platform break the tie.
	}

	best, bestScore := Asset{}, 0
	for _, a := range candidates {
		if s := platformScore(a.Name, goos, goarch); s > bestScore {
			best, bestScore = a, s
		}
	}
	if bestScore == 0 {
		if pattern != "" {
			return candidates[0], nil
		}
		return Asset{}, notFound()
	}
	return best, nil
}

// Format is how a downloaded asset is packaged.
type Format int

const (
	Raw Format = iota
	TarGz
	Zip
)

// FormatOf infers the packaging of an asset from its name.
func FormatOf(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return TarGz
	case strings.HasSuffix(lower, ".zip"):
		return Zip
	default:
		return Raw
	}
}
