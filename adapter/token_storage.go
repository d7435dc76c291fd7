package fincharts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// tokenFilename is the fixed key the access token is stored under.
const tokenFilename = "fincharts_token"

// FileTokenStore implements TokenStore using file-based persistence.
// The token is a single opaque string written with owner-only permissions.
type FileTokenStore struct {
	basePath string
}

// NewFileTokenStore creates a file-based token store rooted at basePath,
// creating the directory if needed.
func NewFileTokenStore(basePath string) *FileTokenStore {
	if basePath == "" {
		basePath = "data"
	}
	os.MkdirAll(basePath, 0700)

	return &FileTokenStore{basePath: basePath}
}

// Save writes the token with restricted permissions (owner only).
func (f *FileTokenStore) Save(token string) error {
	filePath := filepath.Join(f.basePath, tokenFilename)

	if err := os.WriteFile(filePath, []byte(token), 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// Load reads the persisted token. A missing file is reported as an error so
// callers fall through to a fresh login.
func (f *FileTokenStore) Load() (string, error) {
	filePath := filepath.Join(f.basePath, tokenFilename)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("token file not found: %s", tokenFilename)
		}
		return "", fmt.Errorf("failed to read token file: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}

// Delete removes the token file. Deleting an absent file is not an error.
func (f *FileTokenStore) Delete() error {
	filePath := filepath.Join(f.basePath, tokenFilename)

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete token file: %w", err)
	}
	return nil
}
