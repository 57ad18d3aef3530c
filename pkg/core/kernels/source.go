package kernels

import (
	"bufio"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"text/template"

	"github.com/pkg/errors"
)

// Declaration is one `kernel <name>(<signature>) = <impl>` line of a kernel source.
type Declaration struct {
	Name      string
	Signature Signature
	Impl      string
}

// String returns the canonical source form of the declaration.
func (d Declaration) String() string {
	return fmt.Sprintf("kernel %s(%s) = %s", d.Name, d.Signature, d.Impl)
}

var declarationRegexp = regexp.MustCompile(`^kernel\s+([A-Za-z_]\w*)\s*\(\s*(\w*)\s*\)\s*=\s*([A-Za-z_][\w.]*)\s*$`)

// ParseSource parses the declarations of a kernel source. Blank lines and "//" comments are ignored.
func ParseSource(src string) ([]Declaration, error) {
	var decls []Declaration
	seen := make(map[string]int)
	scanner := bufio.NewScanner(strings.NewReader(src))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.Index(line, "//"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		match := declarationRegexp.FindStringSubmatch(line)
		if match == nil {
			return nil, errors.Errorf("line %d: syntax error in %q", lineNum, line)
		}
		sig, err := ParseSignature(match[2])
		if err != nil {
			return nil, errors.WithMessagef(err, "line %d", lineNum)
		}
		if prev, found := seen[match[1]]; found {
			return nil, errors.Errorf("line %d: kernel %q already declared in line %d", lineNum, match[1], prev)
		}
		seen[match[1]] = lineNum
		decls = append(decls, Declaration{Name: match[1], Signature: sig, Impl: match[3]})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read kernel source")
	}
	if len(decls) == 0 {
		return nil, errors.New("kernel source declares no kernels")
	}
	return decls, nil
}

// FormatDeclarations returns the canonical source of decls, sorted by name.
func FormatDeclarations(decls []Declaration) string {
	lines := make([]string, len(decls))
	for i, d := range decls {
		lines[i] = d.String()
	}
	slices.Sort(lines)
	return strings.Join(lines, "\n") + "\n"
}

// Render executes a kernel source template with data.
func Render(name, tmpl string, data any) (string, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", errors.Wrapf(err, "failed to parse kernel template %q", name)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", errors.Wrapf(err, "failed to render kernel template %q", name)
	}
	return sb.String(), nil
}
