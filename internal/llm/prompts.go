package llm

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var templatesYAML []byte

// ErrUnknownPrompt is returned when no template exists for a domain and stage.
var ErrUnknownPrompt = errors.New("unknown prompt")

// Prompt is a resolved system/user prompt pair.
type Prompt struct {
	System string
	User   string
}

type promptTemplate struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

type catalog map[string]map[string]promptTemplate

var (
	catalogOnce sync.Once
	catalogData catalog
	catalogErr  error
)

func loadCatalog() (catalog, error) {
	catalogOnce.Do(func() {
		var c catalog
		if err := yaml.Unmarshal(templatesYAML, &c); err != nil {
			catalogErr = fmt.Errorf("parse prompt catalog: %w", err)
			return
		}
		catalogData = c
	})
	return catalogData, catalogErr
}

// ResolvePrompt builds the prompt for domain and stage, replacing {{KEY}}
// placeholders in the template with vars. Placeholders without a value are
// dropped. Substituted values are inserted verbatim and never rescanned.
func ResolvePrompt(domain, stage string, vars map[string]string) (Prompt, error) {
	c, err := loadCatalog()
	if err != nil {
		return Prompt{}, err
	}
	stages, ok := c[domain]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: domain %q", ErrUnknownPrompt, domain)
	}
	tmpl, ok := stages[stage]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %s/%s", ErrUnknownPrompt, domain, stage)
	}
	return Prompt{
		System: strings.TrimSpace(fillTemplate(tmpl.System, vars)),
		User:   strings.TrimSpace(fillTemplate(tmpl.User, vars)),
	}, nil
}

var placeholderRE = regexp.MustCompile(`\{\{([A-Z_]+)\}\}`)

func fillTemplate(tmpl string, vars map[string]string) string {
	return placeholderRE.ReplaceAllStringFunc(tmpl, func(m string) string {
		return vars[m[2:len(m)-2]]
	})
}
