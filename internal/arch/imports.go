package arch

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	pyImportRe   = regexp.MustCompile(`(?m)^\s*import\s+([\w.]+)`)
	pyFromRe     = regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import`)
	jsImportRe   = regexp.MustCompile(`import\s+.*?from\s+['"](.+?)['"]`)
	jsRequireRe  = regexp.MustCompile(`require\(['"](.+?)['"]\)`)
	javaImportRe = regexp.MustCompile(`(?m)^\s*import\s+([\w.]+);`)
	goImportRe   = regexp.MustCompile(`(?m)^\s*(?:import\s+)?(?:\w+\s+)?"([^"]+)"`)
)

// ExtractImports pulls import targets out of source text based on the file
// extension. Unknown extensions yield no imports. Dotted module paths are
// normalized to slash form so they compare against path prefix rules.
func ExtractImports(path, source string) []string {
	var raw []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		raw = append(matches(pyImportRe, source), matches(pyFromRe, source)...)
		for i, imp := range raw {
			raw[i] = strings.ReplaceAll(imp, ".", "/")
		}
	case ".js", ".jsx", ".ts", ".tsx":
		raw = append(matches(jsImportRe, source), matches(jsRequireRe, source)...)
		for i, imp := range raw {
			raw[i] = normalizeRelative(path, imp)
		}
	case ".java":
		raw = matches(javaImportRe, source)
		for i, imp := range raw {
			raw[i] = strings.ReplaceAll(imp, ".", "/")
		}
	case ".go":
		if block := goImportBlock(source); block != "" {
			raw = matches(goImportRe, block)
		}
	}
	return raw
}

func matches(re *regexp.Regexp, source string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(source, -1) {
		out = append(out, m[1])
	}
	return out
}

// normalizeRelative resolves ./ and ../ imports against the importing
// file's directory so they can match path prefix rules. Bare package
// names pass through untouched.
func normalizeRelative(file, imp string) string {
	if !strings.HasPrefix(imp, ".") {
		return imp
	}
	resolved := filepath.ToSlash(filepath.Join(filepath.Dir(file), imp))
	return resolved
}

func goImportBlock(source string) string {
	start := strings.Index(source, "import (")
	if start < 0 {
		if idx := strings.Index(source, "import \""); idx >= 0 {
			end := strings.IndexByte(source[idx:], '\n')
			if end < 0 {
				return source[idx:]
			}
			return source[idx : idx+end]
		}
		return ""
	}
	end := strings.Index(source[start:], ")")
	if end < 0 {
		return ""
	}
	return source[start : start+end]
}
