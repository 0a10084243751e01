package orchestrator

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type Category string

const (
	CategoryResearch Category = "research"
	CategoryBuild    Category = "build"
	CategoryFinance  Category = "finance"
	CategoryGeneric  Category = "generic"
)

// TaskProfile is the acknowledgment style for one task category.
type TaskProfile struct {
	Category   Category `yaml:"category"`
	Keywords   []string `yaml:"keywords"`
	Ack        string   `yaml:"ack"`
	Milestones []string `yaml:"milestones"`
	// Fast profiles never send an acknowledgment.
	Fast bool `yaml:"fast"`
}

// Catalog classifies messages into task profiles by keyword.
type Catalog struct {
	profiles []TaskProfile
	generic  TaskProfile
}

type catalogFile struct {
	Categories []TaskProfile `yaml:"categories"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file, or returns the built-in one when path
// is empty or missing.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultCatalog(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := &Catalog{generic: TaskProfile{Category: CategoryGeneric, Fast: true}}
	for _, p := range f.Categories {
		if p.Category == "" {
			return nil, fmt.Errorf("parse catalog: entry without category")
		}
		kws := make([]string, 0, len(p.Keywords))
		for _, kw := range p.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				kws = append(kws, kw)
			}
		}
		p.Keywords = kws
		if p.Category == CategoryGeneric {
			p.Fast = true
			c.generic = p
			continue
		}
		if p.Ack == "" && !p.Fast {
			return nil, fmt.Errorf("parse catalog: %s needs an ack or fast: true", p.Category)
		}
		c.profiles = append(c.profiles, p)
	}
	return c, nil
}

// Classify returns the profile whose keywords best match text, or the
// generic profile when none match.
func (c *Catalog) Classify(text string) TaskProfile {
	lower := strings.ToLower(text)
	best, bestScore := c.generic, 0
	for _, p := range c.profiles {
		score := 0
		for _, kw := range p.Keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = p, score
		}
	}
	return best
}
