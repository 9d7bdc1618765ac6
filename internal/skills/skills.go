// Package skills exposes the external skill-discovery capability. The core
// only needs skill names for the system prompt; manifest parsing belongs to
// the skills themselves.
package skills

import (
	"context"
	"os"
)

// Skill is one discovered capability.
type Skill struct {
	Name string
}

// Source lists the skills available to a request.
type Source interface {
	List(ctx context.Context) ([]Skill, error)
}

// DirSource treats each subdirectory of root as one skill.
type DirSource struct {
	root string
}

func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

func (d *DirSource) List(_ context.Context) ([]Skill, error) {
	if d.root == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Skill
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, Skill{Name: entry.Name()})
		}
	}
	return out, nil
}
