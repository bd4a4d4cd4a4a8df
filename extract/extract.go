// Package extract finds game script files and pulls translatable strings
// out of them.
//
// Scripts are recognized line by line: dialogue (`speaker "text"`), menu
// choices (`"text":`) and narration (a lone `"text"`). No parsing of the
// script language beyond that is attempted.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Extension groups used by the commands.
var (
	ScriptExtensions   = []string{".rpy", ".rpym"}
	CompiledExtensions = []string{".rpyc", ".rpymc"}
	ArchiveExtensions  = []string{".rpa"}
)

// skipDirs contains directory names to skip during scanning. The tl tree
// holds existing translations whose old/new lines would otherwise be picked
// up as dialogue.
var skipDirs = map[string]bool{
	".git":        true,
	".hg":         true,
	".svn":        true,
	"__pycache__": true,
	"tl":          true,
	"cache":       true,
	"saves":       true,
}

// FindFiles returns the files under root whose extension (case-insensitive)
// is one of exts, sorted. Without recursive only root's direct children are
// considered. A root that is itself a matching file is returned as-is.
func FindFiles(root string, recursive bool, exts ...string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if hasExt(root, exts) {
			return []string{root}, nil
		}
		return nil, nil
	}

	var files []string
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if info.IsDir() {
			if path == root {
				return nil
			}
			if !recursive || skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() && hasExt(path, exts) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	sort.Strings(files)
	return files, nil
}

// FindScripts is FindFiles for .rpy and .rpym sources, always recursive.
func FindScripts(root string) ([]string, error) {
	return FindFiles(root, true, ScriptExtensions...)
}

// HasFiles reports whether any file under root matches exts.
func HasFiles(root string, exts ...string) bool {
	files, err := FindFiles(root, true, exts...)
	return err == nil && len(files) > 0
}

func hasExt(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// FilesByExtension groups files by lower-cased extension.
func FilesByExtension(files []string) map[string][]string {
	result := make(map[string][]string)
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f))
		result[ext] = append(result[ext], f)
	}
	return result
}

// DescribeFiles returns a human-readable summary such as "3 .rpy, 1 .rpym".
func DescribeFiles(files []string) string {
	byExt := FilesByExtension(files)
	var exts []string
	for ext := range byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	var parts []string
	for _, ext := range exts {
		parts = append(parts, fmt.Sprintf("%d %s", len(byExt[ext]), ext))
	}
	return strings.Join(parts, ", ")
}
