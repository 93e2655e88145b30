package application

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jobrunner/orbis/internal/domain"
)

// uploadJobFile is the layout of an upload job file. A bare list of jobs is
// accepted as well.
type uploadJobFile struct {
	Defaults map[string]interface{}   `yaml:"defaults"`
	Jobs     []map[string]interface{} `yaml:"jobs"`
}

// LoadUploadJobs reads upload jobs from a YAML or JSON file. Keys of the
// defaults block apply to every job that does not set them. Relative file
// paths are resolved against the job file's directory.
func LoadUploadJobs(path string) ([]*domain.UploadJob, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc uploadJobFile
	var list []map[string]interface{}
	if err := yaml.Unmarshal(b, &list); err == nil {
		doc.Jobs = list
	} else if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, &domain.ConfigError{Field: path, Message: err.Error()}
	}
	if len(doc.Jobs) == 0 {
		return nil, &domain.ConfigError{Field: path, Message: "no upload jobs"}
	}

	dir := filepath.Dir(path)
	jobs := make([]*domain.UploadJob, 0, len(doc.Jobs))
	for i, raw := range doc.Jobs {
		merged := make(map[string]interface{}, len(doc.Defaults)+len(raw))
		for k, v := range doc.Defaults {
			merged[k] = v
		}
		for k, v := range raw {
			merged[k] = v
		}

		var job domain.UploadJob
		if err := viaJSON(merged, &job); err != nil {
			return nil, &domain.ConfigError{Field: fmt.Sprintf("%s: jobs[%d]", path, i), Message: err.Error()}
		}
		if job.FilePath == "" && job.Key == "" {
			return nil, &domain.ConfigError{Field: fmt.Sprintf("%s: jobs[%d]", path, i), Message: "job needs a file or a key"}
		}
		if job.FilePath != "" && !filepath.IsAbs(job.FilePath) {
			job.FilePath = filepath.Join(dir, job.FilePath)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// queryFile is the layout of a query definition file. A bare list of
// definitions is accepted as well.
type queryFile struct {
	Queries []map[string]interface{} `yaml:"queries"`
}

// LoadQueryDefinitions reads and validates query definitions from a YAML or
// JSON file. A file holding a single definition is accepted too.
func LoadQueryDefinitions(path string) ([]*domain.QueryDefinition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raws []map[string]interface{}
	var doc queryFile
	var single map[string]interface{}
	switch {
	case yaml.Unmarshal(b, &raws) == nil:
	case yaml.Unmarshal(b, &doc) == nil && len(doc.Queries) > 0:
		raws = doc.Queries
	case yaml.Unmarshal(b, &single) == nil && single != nil:
		raws = []map[string]interface{}{single}
	default:
		return nil, &domain.ConfigError{Field: path, Message: "not a query definition file"}
	}
	if len(raws) == 0 {
		return nil, &domain.ConfigError{Field: path, Message: "no query definitions"}
	}

	defs := make([]*domain.QueryDefinition, 0, len(raws))
	for i, raw := range raws {
		var def domain.QueryDefinition
		if err := viaJSON(raw, &def); err != nil {
			return nil, &domain.ConfigError{Field: fmt.Sprintf("%s: queries[%d]", path, i), Message: err.Error()}
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("%s: queries[%d]: %w", path, i, err)
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// viaJSON decodes a generic YAML value into v through its JSON form, so the
// JSON decoders with their alternate key spellings apply.
func viaJSON(in interface{}, v interface{}) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
