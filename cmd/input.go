package main

import (
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/meterlab/internal/model"
)

// readYAML decodes a YAML (or JSON) file into v. "-" reads stdin.
func readYAML(path string, v any) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return eris.Wrapf(err, "read %s", path)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return eris.Wrapf(err, "parse %s", path)
	}
	return nil
}

// parseRange parses optional RFC 3339 bounds.
func parseRange(from, to string) (model.TimeRange, error) {
	var tr model.TimeRange
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return tr, eris.Wrapf(err, "parse --from %q", from)
		}
		tr.From = model.NormalizeTime(t)
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return tr, eris.Wrapf(err, "parse --to %q", to)
		}
		tr.To = model.NormalizeTime(t)
	}
	if !tr.From.IsZero() && !tr.To.IsZero() && !tr.From.Before(tr.To) {
		return tr, eris.Errorf("--from %s is not before --to %s", from, to)
	}
	return tr, nil
}
