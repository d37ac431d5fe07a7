// Package folder checks that a backup directory is in the right state before
// a run touches it, and maps between table names and artifact file names.
package folder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/jorgepascosoto/rethink-backup/internal/errors"
)

// ArtifactExt is the extension of a table's export artifact.
const ArtifactExt = ".json"

// ArtifactPath is where table is written to, or read from, inside dir.
func ArtifactPath(dir, table string) string {
	return filepath.Join(dir, table+ArtifactExt)
}

// TableName returns the table an artifact file name belongs to.
func TableName(fileName string) (string, bool) {
	if filepath.Ext(fileName) != ArtifactExt {
		return "", false
	}
	name := strings.TrimSuffix(fileName, ArtifactExt)
	return name, name != ""
}

// PrepareExportTarget makes sure path is an empty directory, creating it when
// it does not exist yet. An existing directory with any entry in it is never
// written into.
func PrepareExportTarget(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			return apperrors.NewRunError(apperrors.ErrFolderRead,
				fmt.Sprintf("Could not create target folder (%s).", path), err)
		}
		return nil
	}
	if err != nil {
		return readError(path, err)
	}
	if !info.IsDir() {
		return readError(path, fmt.Errorf("%s is not a directory", path))
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return readError(path, err)
	}
	if len(entries) > 0 {
		return apperrors.NewRunError(apperrors.ErrFolderConflict,
			"Target folder is not empty. Please clear folder or use another target.", nil)
	}
	return nil
}

// ResolveImportSource lists the tables backed up in path, sorted by name.
func ResolveImportSource(path string) ([]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, apperrors.NewRunError(apperrors.ErrMissingSource,
			fmt.Sprintf("Could not find target folder (%s).", path), nil)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, readError(path, err)
	}

	var tables []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name, ok := TableName(entry.Name()); ok {
			tables = append(tables, name)
		}
	}
	if len(tables) == 0 {
		return nil, apperrors.NewRunError(apperrors.ErrEmptySource,
			"Target folder does not contain any backups.", nil)
	}

	sort.Strings(tables)
	return tables, nil
}

func readError(path string, err error) error {
	return apperrors.NewRunError(apperrors.ErrFolderRead,
		fmt.Sprintf("Failed to read target folder (%s).", path), err)
}
