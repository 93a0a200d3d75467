package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/estensen/nft-sales-pipeline/internal/models"
)

// commentPrefix marks catalog keys that are ignored when loading.
const commentPrefix = "//"

const (
	chromieSquiggleAddress  = "0x059edd72cd353df5106d2b9cc5ab83a52287ac3a"
	artBlocksCuratedAddress = "0xa7d8d9ef8d8ce8992df33d8b8cf4aebabd5bd270"
)

var (
	ErrUnknownProject   = errors.New("unknown project")
	ErrDuplicateProject = errors.New("duplicate project id")
	ErrMissingProjectID = errors.New("project entry has no id")
)

// Catalog is the read-only set of tracked projects keyed by id.
type Catalog struct {
	projects map[string]models.Project
	ids      []string
}

// Load reads the catalog file at path.
func Load(path string) (*Catalog, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening project catalog: %w", err)
	}
	defer file.Close()

	return Parse(file)
}

// Parse decodes a JSON array of project entries. Keys starting with "//" are
// dropped before decoding, and entries left empty are skipped.
func Parse(r io.Reader) (*Catalog, error) {
	var entries []map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("error decoding project catalog: %w", err)
	}

	projects := make([]models.Project, 0, len(entries))
	for i, entry := range entries {
		for key := range entry {
			if strings.HasPrefix(key, commentPrefix) {
				delete(entry, key)
			}
		}
		if len(entry) == 0 {
			continue
		}

		project, err := decodeProject(entry)
		if err != nil {
			return nil, fmt.Errorf("project entry %d: %w", i, err)
		}
		projects = append(projects, project)
	}

	return New(projects...)
}

// New builds a catalog from already decoded projects.
func New(projects ...models.Project) (*Catalog, error) {
	c := &Catalog{projects: make(map[string]models.Project, len(projects))}
	for _, p := range projects {
		if p.ID == "" {
			return nil, ErrMissingProjectID
		}
		if _, exists := c.projects[p.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProject, p.ID)
		}
		c.projects[p.ID] = p
		c.ids = append(c.ids, p.ID)
	}
	sort.Strings(c.ids)
	return c, nil
}

func decodeProject(entry map[string]json.RawMessage) (models.Project, error) {
	var project models.Project

	// Ids may be written as numbers; normalize them to their literal text.
	if raw, ok := entry["id"]; ok {
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] != '"' && !bytes.Equal(raw, []byte("null")) {
			quoted, err := json.Marshal(string(raw))
			if err != nil {
				return project, err
			}
			entry["id"] = quoted
		}
	}

	buf, err := json.Marshal(entry)
	if err != nil {
		return project, err
	}
	if err := json.Unmarshal(buf, &project); err != nil {
		return project, err
	}
	if project.ID == "" {
		return project, ErrMissingProjectID
	}
	return project, nil
}

// Get returns the project with the given id.
func (c *Catalog) Get(id string) (models.Project, error) {
	p, ok := c.projects[id]
	if !ok {
		return models.Project{}, fmt.Errorf("%w: %q", ErrUnknownProject, id)
	}
	return p, nil
}

// IDs returns all project ids in ascending order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}

// Projects returns all projects ordered by id.
func (c *Catalog) Projects() []models.Project {
	out := make([]models.Project, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.projects[id])
	}
	return out
}

// Len reports the number of projects.
func (c *Catalog) Len() int {
	return len(c.ids)
}

// AssetAddress resolves the contract address used to link a stored sale.
// Numeric project ids are Art Blocks sub-projects: project 0 lives on the
// Chromie Squiggle contract, everything else on the curated contract.
func (c *Catalog) AssetAddress(projectID string) string {
	if isNumeric(projectID) {
		if projectID == "0" {
			return chromieSquiggleAddress
		}
		return artBlocksCuratedAddress
	}
	if p, ok := c.projects[projectID]; ok {
		return p.Address
	}
	return ""
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
