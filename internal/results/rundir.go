package results

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// ManifestFileName describes a finished run inside its directory.
const ManifestFileName = "run.json"

// RunDirName names a run's directory after its local start time.
func RunDirName(start time.Time) string {
	return "results_" + start.Format("2006.01.02_15.04.05")
}

// CreateRunDir makes a fresh run directory under parent and copies the raw
// config into it.
func CreateRunDir(parent string, start time.Time, configName string, rawConfig []byte) (string, error) {
	dir := filepath.Join(parent, RunDirName(start))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating run directory")
	}
	if len(rawConfig) > 0 {
		if err := os.WriteFile(filepath.Join(dir, configName), rawConfig, 0o644); err != nil {
			return "", errors.Wrap(err, "saving config copy")
		}
	}
	return dir, nil
}

// Manifest is the run metadata saved next to results.csv.
type Manifest struct {
	RunID    string    `json:"run_id"`
	Project  string    `json:"project"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Records  int64     `json:"records"`
	Report   Report    `json:"report"`
}

// WriteManifest saves m as indented JSON in dir.
func WriteManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding manifest")
	}
	return errors.Wrap(os.WriteFile(filepath.Join(dir, ManifestFileName), data, 0o644), "writing manifest")
}
