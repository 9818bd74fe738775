package model

import (
	"regexp"
	"strings"
)

// Command placeholders expanded at launch time
const (
	PlaceholderSource  = "{source}"
	PlaceholderClass   = "{class}"
	PlaceholderWorkdir = "{workdir}"
)

// DefaultClassName is used when no public class is declared in the source
const DefaultClassName = "Main"

var publicClassPattern = regexp.MustCompile(`public\s+(?:final\s+)?class\s+(\w+)`)

// SandboxImage describes the published runtime image for one language
type SandboxImage struct {
	Language    string            `json:"language" yaml:"language"`
	Reference   string            `json:"image" yaml:"image"`
	Digest      string            `json:"digest,omitempty" yaml:"digest,omitempty"`
	User        string            `json:"user" yaml:"user"`
	Profile     string            `json:"profile" yaml:"profile"`
	SourceFile  string            `json:"source_file" yaml:"source_file"`
	Command     []string          `json:"command" yaml:"command"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// ClassName extracts the first public class name declared in source
func ClassName(source string) string {
	m := publicClassPattern.FindStringSubmatch(source)
	if len(m) < 2 {
		return DefaultClassName
	}
	return m[1]
}

// SourceFileName returns the file name the submission's source is written to
func (img SandboxImage) SourceFileName(source string) string {
	name := img.SourceFile
	if name == "" {
		name = "main"
	}
	return strings.ReplaceAll(name, PlaceholderClass, ClassName(source))
}

// ExpandCommand resolves the command template for one submission.
// Submission arguments are appended verbatim after the template.
func (img SandboxImage) ExpandCommand(source, workdir string, args []string) []string {
	r := strings.NewReplacer(
		PlaceholderSource, img.SourceFileName(source),
		PlaceholderClass, ClassName(source),
		PlaceholderWorkdir, workdir,
	)
	out := make([]string, 0, len(img.Command)+len(args))
	for _, part := range img.Command {
		out = append(out, r.Replace(part))
	}
	return append(out, args...)
}
