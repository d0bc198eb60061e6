// Package template implements the TemplateEngine: parsing a sectioned .vtmp
// source into an AST, applying variable substitution and conditional
// expansion ahead of section-splitting, and collecting build-time arguments
// for the backend to render later.
package template

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ovbuild/velocity/internal/image"
)

// Section identifies one of the closed set of template headers.
type Section int

const (
	SectionFrom Section = iota
	SectionPre
	SectionCopy
	SectionRun
	SectionEnv
	SectionLabel
	SectionEntry
	SectionPost
)

func (s Section) String() string {
	switch s {
	case SectionFrom:
		return "@from"
	case SectionPre:
		return "@pre"
	case SectionCopy:
		return "@copy"
	case SectionRun:
		return "@run"
	case SectionEnv:
		return "@env"
	case SectionLabel:
		return "@label"
	case SectionEntry:
		return "@entry"
	case SectionPost:
		return "@post"
	default:
		return "@?"
	}
}

var headerBySpelling = map[string]Section{
	"@from":  SectionFrom,
	"@pre":   SectionPre,
	"@copy":  SectionCopy,
	"@run":   SectionRun,
	"@env":   SectionEnv,
	"@label": SectionLabel,
	"@entry": SectionEntry,
	"@post":  SectionPost,
}

// TemplateSyntaxError reports a malformed template line, other than a
// repeated section header or a line outside of any section (those have
// their own, more specific, error types).
type TemplateSyntaxError struct {
	Section Section
	Line    string
	Reason  string
}

func (e *TemplateSyntaxError) Error() string {
	return fmt.Sprintf("template syntax error in %s %q: %s", e.Section, e.Line, e.Reason)
}

// RepeatedSectionError reports a header appearing twice in one template.
type RepeatedSectionError struct {
	Section Section
}

func (e *RepeatedSectionError) Error() string {
	return fmt.Sprintf("section %s repeated", e.Section)
}

// LineOutsideOfSectionError reports a non-header line encountered before any
// header.
type LineOutsideOfSectionError struct {
	Line string
}

func (e *LineOutsideOfSectionError) Error() string {
	return fmt.Sprintf("line %q appears before any section header", e.Line)
}

// CopyLine is one parsed @copy entry.
type CopyLine struct {
	Src  string
	Dest string
}

// RunLine is one parsed @run entry. IsEnvar is set when the line used the
// "!envar NAME VALUE" sugar, which both exports NAME=VALUE during the build
// and emits a label NAME VALUE.
type RunLine struct {
	Raw        string
	IsEnvar    bool
	EnvarName  string
	EnvarValue string
}

// KVLine is one parsed @env or @label entry: a key and its (possibly
// multi-token) value.
type KVLine struct {
	Key   string
	Value string
}

// AST is the parsed, substituted, conditional-expanded, but not yet
// backend-rendered representation of a .vtmp template.
type AST struct {
	From  string // single token, empty if @from was never declared
	Pre   []string
	Copy  []CopyLine
	Run   []RunLine
	Env   []KVLine
	Label []KVLine
	Entry []string // tokenized @entry line
	Post  []string

	// Arguments collected from every "@@ NAME @@" occurrence in the source,
	// regardless of section. Backend rendering substitutes these per-variant.
	Arguments map[string]struct{}
}

var (
	varPattern  = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)
	condPattern = regexp.MustCompile(`\?\?\s*(.+?)\s*\|>\s*(.*?)\s*\?\?`)
	argPattern  = regexp.MustCompile(`@@\s*([A-Za-z0-9_]+)\s*@@`)
)

// Parse parses a .vtmp source against img: variables substitute from
// img.Variables, and conditionals evaluate against img.Satisfies. Arguments
// ("@@ NAME @@") are collected, not substituted.
func Parse(data []byte, img *image.Image) (*AST, error) {
	lines, err := stripAndSubstitute(data, img)
	if err != nil {
		return nil, err
	}

	ast := &AST{Arguments: make(map[string]struct{})}
	for _, l := range lines {
		for _, m := range argPattern.FindAllStringSubmatch(l, -1) {
			ast.Arguments[m[1]] = struct{}{}
		}
	}

	var current Section
	haveCurrent := false
	seen := make(map[Section]bool)

	for _, line := range lines {
		head, rest := line, ""
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			head, rest = line[:i], strings.TrimSpace(line[i+1:])
		}
		if sec, ok := headerBySpelling[head]; ok {
			if seen[sec] {
				return nil, &RepeatedSectionError{Section: sec}
			}
			seen[sec] = true
			current = sec
			haveCurrent = true
			if rest != "" {
				if err := appendLine(ast, current, rest); err != nil {
					return nil, err
				}
			}
			continue
		}

		if !haveCurrent {
			return nil, &LineOutsideOfSectionError{Line: line}
		}

		if err := appendLine(ast, current, line); err != nil {
			return nil, err
		}
	}

	if err := validateSections(ast, seen); err != nil {
		return nil, err
	}

	return ast, nil
}

// stripAndSubstitute strips ">>>" trailing comments and surrounding
// whitespace, drops empty lines, then (per §4.G, "before section-splitting")
// substitutes "{{ NAME }}" variable references and expands
// "?? WHEN |> TEXT ??" conditionals against img.
func stripAndSubstitute(data []byte, img *image.Image) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, ">>>"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		line = substituteVariables(line, img)

		var err error
		line, err = expandConditionals(line, img)
		if err != nil {
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading template: %w", err)
	}
	return out, nil
}

func substituteVariables(line string, img *image.Image) string {
	return varPattern.ReplaceAllStringFunc(line, func(m string) string {
		groups := varPattern.FindStringSubmatch(m)
		name := groups[1]
		v, ok := img.Variables[name]
		if !ok {
			logrus.Warnf("template: undefined variable %q", name)
			return ""
		}
		return v
	})
}

func expandConditionals(line string, img *image.Image) (string, error) {
	var outerErr error
	result := condPattern.ReplaceAllStringFunc(line, func(m string) string {
		groups := condPattern.FindStringSubmatch(m)
		when, text := groups[1], groups[2]
		ok, err := img.Satisfies(when)
		if err != nil {
			outerErr = err
			return ""
		}
		if ok {
			return text
		}
		return ""
	})
	if outerErr != nil {
		return "", outerErr
	}
	return result, nil
}

func appendLine(ast *AST, sec Section, line string) error {
	switch sec {
	case SectionFrom:
		if ast.From != "" {
			return &TemplateSyntaxError{Section: sec, Line: line, Reason: "@from accepts exactly one line"}
		}
		fields := strings.Fields(line)
		if len(fields) != 1 {
			return &TemplateSyntaxError{Section: sec, Line: line, Reason: "@from line must be a single token"}
		}
		ast.From = fields[0]

	case SectionPre:
		ast.Pre = append(ast.Pre, stripPipe(line))

	case SectionCopy:
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return &TemplateSyntaxError{Section: sec, Line: line, Reason: "@copy line must be exactly SRC DEST"}
		}
		ast.Copy = append(ast.Copy, CopyLine{Src: fields[0], Dest: fields[1]})

	case SectionRun:
		ast.Run = append(ast.Run, parseRunLine(line))

	case SectionEnv:
		kv, err := parseKV(sec, line)
		if err != nil {
			return err
		}
		ast.Env = append(ast.Env, kv)

	case SectionLabel:
		kv, err := parseKV(sec, line)
		if err != nil {
			return err
		}
		ast.Label = append(ast.Label, kv)

	case SectionEntry:
		if ast.Entry != nil {
			return &TemplateSyntaxError{Section: sec, Line: line, Reason: "@entry accepts exactly one line"}
		}
		ast.Entry = strings.Fields(line)

	case SectionPost:
		ast.Post = append(ast.Post, stripPipe(line))

	default:
		return fmt.Errorf("unknown section %v", sec)
	}
	return nil
}

func stripPipe(line string) string {
	return strings.TrimPrefix(line, "|")
}

func parseRunLine(line string) RunLine {
	if strings.HasPrefix(line, "!envar ") {
		fields := strings.Fields(line)
		if len(fields) >= 3 {
			return RunLine{
				Raw:        line,
				IsEnvar:    true,
				EnvarName:  fields[1],
				EnvarValue: strings.Join(fields[2:], " "),
			}
		}
	}
	return RunLine{Raw: line}
}

func parseKV(sec Section, line string) (KVLine, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return KVLine{}, &TemplateSyntaxError{Section: sec, Line: line, Reason: "expected KEY VALUE..."}
	}
	return KVLine{Key: fields[0], Value: strings.Join(fields[1:], " ")}, nil
}

func validateSections(ast *AST, seen map[Section]bool) error {
	if seen[SectionFrom] && ast.From == "" {
		return &TemplateSyntaxError{Section: SectionFrom, Reason: "@from declared but empty"}
	}
	if seen[SectionEntry] && len(ast.Entry) == 0 {
		return &TemplateSyntaxError{Section: SectionEntry, Reason: "@entry declared but empty"}
	}
	return nil
}
