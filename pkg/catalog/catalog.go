// Package catalog maps human-readable permission names to the directory's
// app-role identifiers. The catalog is read-only at runtime; extensions come
// from an overlay file loaded at startup, not from code changes.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Catalog resolves permission names to app-role ids. Unknown names report
// false, never an error.
type Catalog interface {
	Resolve(name string) (uuid.UUID, bool)
	Names() []string
}

// Static is an immutable in-memory catalog.
type Static map[string]uuid.UUID

// Resolve implements Catalog.
func (s Static) Resolve(name string) (uuid.UUID, bool) {
	id, ok := s[name]
	return id, ok
}

// Names implements Catalog, returning the known permission names sorted.
func (s Static) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuiltIn returns the well-known Microsoft Graph application role ids. These
// are directory-assigned constants, identical in every tenant.
func BuiltIn() Static {
	return Static{
		"User.Read.All":        uuid.MustParse("df021288-bdef-4463-88db-98f22de89214"),
		"Directory.Read.All":   uuid.MustParse("7ab1d382-f21e-4acd-a863-ba3e13f7da61"),
		"Group.Read.All":       uuid.MustParse("5b567255-7703-4780-807c-7be8301ae99b"),
		"GroupMember.Read.All": uuid.MustParse("98830695-27a2-44f7-8c18-0c3ebc9698f6"),
		"Mail.Read":            uuid.MustParse("810c84a8-4a9e-49e6-bf7d-12d183f40d01"),
		"Application.Read.All": uuid.MustParse("9a5d68dd-52b0-4cc2-bd40-cae756303eba"),
	}
}

// fileEntry is the overlay file schema: a flat name-to-uuid mapping.
type fileEntry map[string]string

// LoadFile reads a YAML overlay of permission-name to role-id mappings.
func LoadFile(path string) (Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role catalog file: %w", err)
	}

	entries := fileEntry{}
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse role catalog file %s: %w", path, err)
	}

	out := make(Static, len(entries))
	for name, id := range entries {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid role id for %q in %s: %w", name, path, err)
		}
		out[name] = parsed
	}
	return out, nil
}

// Merge layers catalogs left to right; later entries win on name collisions.
func Merge(catalogs ...Static) Static {
	out := Static{}
	for _, c := range catalogs {
		for name, id := range c {
			out[name] = id
		}
	}
	return out
}
