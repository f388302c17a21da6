package organizer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"
)

// Ruleset describes what happens to a completed download.
type Ruleset struct {
	// Extract unpacks .zip, .tar.gz and .tgz archives before moving.
	Extract bool `yaml:"extract"`
	// KeepArchive leaves the archive in the download directory after a
	// successful extract.
	KeepArchive bool `yaml:"keep_archive"`
	// Include filters files by base name glob. Empty keeps everything.
	Include []string `yaml:"include"`
	// Rename is a text/template over Name, Stem, Ext and Source, with the
	// functions slug, lower and upper.
	Rename string `yaml:"rename"`
	// Dest is a directory relative to the library root.
	Dest string `yaml:"dest"`
	// Upload copies every moved file to the library bucket under Dest.
	Upload bool `yaml:"upload"`

	rename *template.Template
}

// Rulesets maps ruleset names to rules.
type Rulesets map[string]*Ruleset

// LoadRulesets reads rulesets from a YAML file.
func LoadRulesets(path string) (Rulesets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rulesets file: %w", err)
	}
	return ParseRulesets(data)
}

// ParseRulesets decodes and validates YAML rulesets.
func ParseRulesets(data []byte) (Rulesets, error) {
	var rs Rulesets
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rulesets: %w", err)
	}
	for name, r := range rs {
		if r == nil {
			rs[name] = &Ruleset{}
			continue
		}
		if err := r.compile(); err != nil {
			return nil, fmt.Errorf("ruleset %q: %w", name, err)
		}
	}
	return rs, nil
}

func (r *Ruleset) compile() error {
	for _, pattern := range r.Include {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("include %q: %w", pattern, err)
		}
	}
	if filepath.IsAbs(r.Dest) || strings.HasPrefix(filepath.Clean(r.Dest), "..") {
		return fmt.Errorf("dest %q must be relative to the library", r.Dest)
	}
	if r.Rename == "" {
		return nil
	}
	t, err := template.New("rename").Funcs(renameFuncs).Option("missingkey=error").Parse(r.Rename)
	if err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	r.rename = t
	return nil
}

func (r *Ruleset) includes(name string) bool {
	if len(r.Include) == 0 {
		return true
	}
	for _, pattern := range r.Include {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

var renameFuncs = template.FuncMap{
	"slug":  slug.Make,
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
}

type nameData struct {
	Name   string
	Stem   string
	Ext    string
	Source string
}

func (r *Ruleset) targetName(file, source string) (string, error) {
	name := filepath.Base(file)
	if r.rename == nil {
		return name, nil
	}
	ext := filepath.Ext(name)
	var b bytes.Buffer
	err := r.rename.Execute(&b, nameData{
		Name:   name,
		Stem:   strings.TrimSuffix(name, ext),
		Ext:    ext,
		Source: filepath.Base(source),
	})
	if err != nil {
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	out := strings.TrimSpace(b.String())
	if out == "" || out != filepath.Base(out) || out == "." || out == ".." {
		return "", fmt.Errorf("rename %s: invalid name %q", name, out)
	}
	return out, nil
}
