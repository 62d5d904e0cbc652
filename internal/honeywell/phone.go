package honeywell

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreatePhoneUUID reads the phone UUID kept in dataDir, or
// generates one and persists it if there is none. The cloud treats the
// UUID as the paired phone's identity, so it must stay the same across
// restarts.
func LoadOrCreatePhoneUUID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "phone_uuid")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	// The vendor app sends upper-case v4 UUIDs.
	id := strings.ToUpper(uuid.NewString())
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist phone UUID to %s: %w", path, err)
	}

	return id, nil
}
