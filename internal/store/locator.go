package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Ext is the file extension of every store file.
const Ext = ".db"

// Locator maps database names to store files under a fixed root directory.
type Locator struct {
	root string
}

// NewLocator returns a Locator rooted at dir.
func NewLocator(dir string) Locator {
	return Locator{root: dir}
}

// Root returns the configured root directory.
func (l Locator) Root() string {
	return l.root
}

// Path validates database and returns <root>/<database>.db.
func (l Locator) Path(database string) (string, error) {
	if err := ValidateName("database", database); err != nil {
		return "", err
	}
	return filepath.Join(l.root, database+Ext), nil
}

// List returns the names of the stores present under the root, sorted. Files
// whose names would not pass validation are skipped. A missing root yields no
// stores.
func (l Locator) List() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Ext {
			continue
		}
		name := strings.TrimSuffix(e.Name(), Ext)
		if ValidateName("database", name) != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
