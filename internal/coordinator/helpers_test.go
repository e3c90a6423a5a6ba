package coordinator

import (
	"os"
	"path/filepath"
)

func writeFile(dir, name string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600)
}
