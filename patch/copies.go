package patch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/derenpy/derenpy/extract"
	"github.com/derenpy/derenpy/glossary"
	"github.com/derenpy/derenpy/tlfile"
	"github.com/derenpy/derenpy/translate"
)

// TranslatedSuffix is appended to the stem of a translated copy.
const TranslatedSuffix = "_translated"

// CopyOptions configures a translated-copies run.
type CopyOptions struct {
	// Input is a script file or a directory of scripts.
	Input string
	// Output is the target file or directory. Empty writes
	// <stem>_translated.<ext> beside each source.
	Output    string
	Recursive bool

	Translator *translate.Translator
	Cache      translate.Cache
	Glossary   *glossary.Glossary

	OnLog      func(format string, args ...any)
	OnProgress func(done, total int)
}

func (o *CopyOptions) log(format string, args ...any) {
	if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

// CopyJob pairs a source script with its translated copy.
type CopyJob struct {
	Source string
	Target string
}

// CopyResult summarizes a translated-copies run.
type CopyResult struct {
	Files      []string
	Entries    int
	Translated int
	Stats      Stats
	Errors     *multierror.Error
}

// CopyJobs resolves which scripts are translated and where each copy goes.
func CopyJobs(input, output string, recursive bool) ([]CopyJob, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []CopyJob{{Source: input, Target: fileTarget(input, output)}}, nil
	}

	paths, err := extract.FindFiles(input, recursive, extract.ScriptExtensions...)
	if err != nil {
		return nil, err
	}
	var jobs []CopyJob
	for _, p := range paths {
		if isTranslatedCopy(p) {
			continue
		}
		target := TranslatedName(p)
		if output != "" {
			rel, err := filepath.Rel(input, p)
			if err != nil {
				rel = filepath.Base(p)
			}
			target = filepath.Join(output, rel)
		}
		jobs = append(jobs, CopyJob{Source: p, Target: target})
	}
	if len(jobs) == 0 {
		return nil, ErrNoScripts
	}
	return jobs, nil
}

func fileTarget(input, output string) string {
	if output == "" {
		return TranslatedName(input)
	}
	if info, err := os.Stat(output); err == nil && info.IsDir() {
		return filepath.Join(output, filepath.Base(input))
	}
	return output
}

// TranslatedName returns <stem>_translated.<ext> beside path.
func TranslatedName(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + TranslatedSuffix + ext
}

func isTranslatedCopy(path string) bool {
	return strings.HasSuffix(strings.TrimSuffix(path, filepath.Ext(path)), TranslatedSuffix)
}

// TranslateCopies translates every quoted literal of the input scripts and
// writes rewritten copies. Lines keep their endings and indentation; only
// the literal is replaced.
func TranslateCopies(ctx context.Context, opts CopyOptions) (*CopyResult, error) {
	if opts.Translator == nil {
		return nil, fmt.Errorf("translate: no backend configured")
	}
	jobs, err := CopyJobs(opts.Input, opts.Output, opts.Recursive)
	if err != nil {
		return nil, err
	}

	res := &CopyResult{}
	sources := make(map[string]string, len(jobs))
	var texts []string
	for _, job := range jobs {
		data, err := os.ReadFile(job.Source)
		if err != nil {
			res.Errors = multierror.Append(res.Errors, err)
			opts.log("skipping %s: %v", job.Source, err)
			continue
		}
		src := string(data)
		sources[job.Source] = src
		for _, e := range extract.ExtractString(src) {
			texts = append(texts, e.Text)
			res.Entries++
		}
	}
	if len(sources) == 0 {
		return res, res.Errors.ErrorOrNil()
	}
	opts.log("Found %d entries in %d file(s)", res.Entries, len(sources))

	opts.log("Translating with %s", opts.Translator.Describe())
	translated, stats := translateTexts(ctx, opts.Translator, opts.Cache, opts.Glossary, texts, opts.OnProgress, opts.OnLog)
	res.Stats = stats
	if err := ctx.Err(); err != nil {
		return res, err
	}

	for _, job := range jobs {
		src, ok := sources[job.Source]
		if !ok {
			continue
		}
		out, n := RewriteScript(src, translated)
		res.Translated += n
		if err := os.MkdirAll(filepath.Dir(job.Target), 0o755); err != nil {
			res.Errors = multierror.Append(res.Errors, err)
			continue
		}
		if err := os.WriteFile(job.Target, []byte(out), 0o644); err != nil {
			res.Errors = multierror.Append(res.Errors, err)
			continue
		}
		res.Files = append(res.Files, job.Target)
	}
	return res, nil
}

// RewriteScript replaces each recognized literal whose text has a
// translation with a double-quoted escaped translation. It returns the new
// source and how many literals were replaced.
func RewriteScript(src string, translations map[string]string) (string, int) {
	var b strings.Builder
	b.Grow(len(src))
	replaced := 0
	for i, chunk := range strings.SplitAfter(src, "\n") {
		body := strings.TrimRight(chunk, "\r\n")
		ending := chunk[len(body):]

		bom := ""
		if i == 0 && strings.HasPrefix(body, "\ufeff") {
			bom, body = "\ufeff", strings.TrimPrefix(body, "\ufeff")
		}

		if m, ok := extract.MatchLine(body); ok {
			if t, ok := translations[m.Text]; ok {
				if at := strings.Index(body, m.Literal); at >= 0 {
					body = body[:at] + `"` + tlfile.Escape(t) + `"` + body[at+len(m.Literal):]
					replaced++
				}
			}
		}
		b.WriteString(bom)
		b.WriteString(body)
		b.WriteString(ending)
	}
	return b.String(), replaced
}
