package csvfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/permsync/permsync/pkg/rbac"
)

// LineError describes a line that could not be used. The rest of the file
// is still applied.
type LineError struct {
	Line   int
	Text   string
	Reason string
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// ParsedFile is the usable content of one policy file. Tuples are
// normalized to lowercase entity references and carry no type prefix.
type ParsedFile struct {
	Policies  [][]string
	Groupings [][]string
	Errors    []LineError
}

// Roles returns the distinct role references named by either section
func (f *ParsedFile) Roles() []string {
	seen := make(map[string]struct{})
	var roles []string
	note := func(roleRef string) {
		if roleRef == "" {
			return
		}
		if _, ok := seen[roleRef]; ok {
			return
		}
		seen[roleRef] = struct{}{}
		roles = append(roles, roleRef)
	}
	for _, tuple := range f.Policies {
		note(tuple[0])
	}
	for _, tuple := range f.Groupings {
		note(rbac.RoleRefOf(tuple))
	}
	return roles
}

type policyLine struct {
	tuple  []string
	line   int
	text   string
	effect string
}

// ParseFile reads and parses the policy file at path
func ParseFile(path string) (*ParsedFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy file %q: %w", path, err)
	}
	defer file.Close()
	return Parse(file)
}

// Parse reads the line-oriented policy grammar:
//
//	p, <role>, <resource>, <action>, <effect>
//	g, <member>, <role>
//
// Blank lines and lines starting with # are skipped. Fields are trimmed,
// so ragged spacing around commas is tolerated. A malformed line is
// reported in Errors and does not stop the parse. An exact duplicate keeps
// its first occurrence; two policy lines that differ only in effect
// contradict each other and both are dropped.
func Parse(r io.Reader) (*ParsedFile, error) {
	parsed := &ParsedFile{}

	policiesByBody := make(map[string][]policyLine)
	seenGroupings := make(map[string]int)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Split(text, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		switch fields[0] {
		case "p":
			if len(fields) != 5 {
				parsed.Errors = append(parsed.Errors, LineError{
					Line: lineNo, Text: text,
					Reason: fmt.Sprintf("policy line must have 5 fields, got %d", len(fields)),
				})
				continue
			}
			tuple := rbac.NormalizeTuple(fields[1:])
			body := strings.Join(tuple[:3], ", ")
			policiesByBody[body] = append(policiesByBody[body], policyLine{
				tuple: tuple, line: lineNo, text: text, effect: tuple[3],
			})
		case "g":
			if len(fields) != 3 {
				parsed.Errors = append(parsed.Errors, LineError{
					Line: lineNo, Text: text,
					Reason: fmt.Sprintf("grouping line must have 3 fields, got %d", len(fields)),
				})
				continue
			}
			tuple := []string{strings.ToLower(fields[1]), strings.ToLower(fields[2])}
			key := rbac.TupleKey(tuple)
			if first, ok := seenGroupings[key]; ok {
				parsed.Errors = append(parsed.Errors, LineError{
					Line: lineNo, Text: text,
					Reason: fmt.Sprintf("duplicate of line %d", first),
				})
				continue
			}
			seenGroupings[key] = lineNo
			parsed.Groupings = append(parsed.Groupings, tuple)
		default:
			parsed.Errors = append(parsed.Errors, LineError{
				Line: lineNo, Text: text,
				Reason: fmt.Sprintf("unknown line type %q", fields[0]),
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	// Resolve policy duplicates in file order. Lines that restate an
	// earlier policy are dropped with a note; lines that contradict an
	// earlier policy's effect invalidate the whole group.
	ordered := make([]policyLine, 0, len(policiesByBody))
	for _, group := range policiesByBody {
		effects := make(map[string]struct{})
		for _, p := range group {
			effects[p.effect] = struct{}{}
		}
		if len(effects) > 1 {
			for _, p := range group {
				parsed.Errors = append(parsed.Errors, LineError{
					Line: p.line, Text: p.text,
					Reason: "policy stated with conflicting effects",
				})
			}
			continue
		}
		ordered = append(ordered, group[0])
		for _, p := range group[1:] {
			parsed.Errors = append(parsed.Errors, LineError{
				Line: p.line, Text: p.text,
				Reason: fmt.Sprintf("duplicate of line %d", group[0].line),
			})
		}
	}
	sortPolicyLines(ordered)
	for _, p := range ordered {
		parsed.Policies = append(parsed.Policies, p.tuple)
	}
	return parsed, nil
}

// Serialize renders policies and groupings back into the line grammar,
// policies first. The output round-trips through Parse.
func Serialize(policies, groupings [][]string) string {
	var b strings.Builder
	for _, tuple := range policies {
		b.WriteString("p, ")
		b.WriteString(strings.Join(tuple, ", "))
		b.WriteString("\n")
	}
	for _, tuple := range groupings {
		b.WriteString("g, ")
		b.WriteString(strings.Join(tuple, ", "))
		b.WriteString("\n")
	}
	return b.String()
}

// WriteFile serializes the given tuples to path, replacing its contents
func WriteFile(path string, policies, groupings [][]string) error {
	if err := os.WriteFile(path, []byte(Serialize(policies, groupings)), 0644); err != nil {
		return fmt.Errorf("failed to write policy file %q: %w", path, err)
	}
	return nil
}

func sortPolicyLines(lines []policyLine) {
	sort.Slice(lines, func(i, j int) bool { return lines[i].line < lines[j].line })
}
