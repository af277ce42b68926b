package pipeline

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// WriteReport writes res as YAML to path. An empty path is a no-op.
func WriteReport(path string, res *Result) error {
	if path == "" || res == nil {
		return nil
	}

	data, err := yaml.Marshal(res)
	if err != nil {
		return eris.Wrap(err, "pipeline: marshal report")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "pipeline: create report dir %s", dir)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "pipeline: write report %s", path)
	}
	return nil
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read report %s", path)
	}
	var res Result
	if err := yaml.Unmarshal(data, &res); err != nil {
		return nil, eris.Wrap(err, "pipeline: parse report")
	}
	return &res, nil
}
