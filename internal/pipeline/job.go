package pipeline

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/duckmesh/duckpipe/internal/storage"
)

// Job describes one pipeline run: the buckets to register, the tables to
// declare over them, the query and where its result is written.
type Job struct {
	Name    string        `yaml:"name"`
	Storage []StorageSpec `yaml:"storage"`
	Tables  []TableSpec   `yaml:"tables"`
	Query   string        `yaml:"query"`
	Output  OutputSpec    `yaml:"output"`
}

type StorageSpec struct {
	Alias            string `yaml:"alias"`
	Bucket           string `yaml:"bucket"`
	Endpoint         string `yaml:"endpoint,omitempty"`
	Region           string `yaml:"region,omitempty"`
	AccessKeyID      string `yaml:"access_key_id,omitempty"`
	SecretAccessKey  string `yaml:"secret_access_key,omitempty"`
	UseSSL           *bool  `yaml:"use_ssl,omitempty"`
	Prefix           string `yaml:"prefix,omitempty"`
	AutoCreateBucket *bool  `yaml:"auto_create_bucket,omitempty"`
}

type TableSpec struct {
	Name      string   `yaml:"name"`
	Source    string   `yaml:"source"`
	Names     []string `yaml:"names,omitempty"`
	Types     []string `yaml:"types,omitempty"`
	Format    string   `yaml:"format,omitempty"`
	Header    bool     `yaml:"header,omitempty"`
	SkipRows  int      `yaml:"skip_rows,omitempty"`
	Delimiter string   `yaml:"delimiter,omitempty"`
}

// OutputSpec fields left nil fall back to the configured output defaults.
type OutputSpec struct {
	Path        string `yaml:"path"`
	RowsPerFile *int   `yaml:"rows_per_file,omitempty"`
	Compression string `yaml:"compression,omitempty"`
	Overwrite   *bool  `yaml:"overwrite,omitempty"`
}

// DefaultJob reads the public yellow cab sample and writes it as Parquet.
func DefaultJob() Job {
	return Job{
		Name: "yellow_cab",
		Storage: []StorageSpec{{
			Alias:  "blazingsql-colab",
			Bucket: "blazingsql-colab",
		}},
		Tables: []TableSpec{{
			Name:   "taxi",
			Source: "s3://blazingsql-colab/taxi_data/taxi_00.csv",
			Names:  []string{"key", "fare", "pickup_x", "pickup_y", "dropoff_x", "dropoff_y", "passenger_count"},
		}},
		Query:  "SELECT * FROM taxi",
		Output: OutputSpec{Path: "../../data/yellow_cab"},
	}
}

func LoadJob(path string) (Job, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Job{}, fmt.Errorf("read job file %q: %w", path, err)
	}
	job, err := ParseJob(body)
	if err != nil {
		return Job{}, fmt.Errorf("job file %q: %w", path, err)
	}
	return job, nil
}

func ParseJob(body []byte) (Job, error) {
	var job Job
	if err := yaml.UnmarshalStrict(body, &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	if len(j.Tables) == 0 {
		return fmt.Errorf("job %q declares no tables", j.Name)
	}
	if strings.TrimSpace(j.Query) == "" {
		return fmt.Errorf("job %q has no query", j.Name)
	}
	if strings.TrimSpace(j.Output.Path) == "" {
		return fmt.Errorf("job %q has no output path", j.Name)
	}
	if j.Output.RowsPerFile != nil && *j.Output.RowsPerFile < 0 {
		return fmt.Errorf("job %q: rows_per_file must be >= 0", j.Name)
	}

	aliases := make(map[string]struct{}, len(j.Storage))
	for _, spec := range j.Storage {
		if err := storage.ValidateAlias(spec.Alias); err != nil {
			return fmt.Errorf("job %q: %w", j.Name, err)
		}
		if strings.TrimSpace(spec.Bucket) == "" {
			return fmt.Errorf("job %q: storage %q has no bucket", j.Name, spec.Alias)
		}
		if _, ok := aliases[spec.Alias]; ok {
			return fmt.Errorf("job %q: storage alias %q declared twice", j.Name, spec.Alias)
		}
		aliases[spec.Alias] = struct{}{}
	}

	tables := make(map[string]struct{}, len(j.Tables))
	for _, spec := range j.Tables {
		if strings.TrimSpace(spec.Name) == "" {
			return fmt.Errorf("job %q: table name is required", j.Name)
		}
		if strings.TrimSpace(spec.Source) == "" {
			return fmt.Errorf("job %q: table %q has no source", j.Name, spec.Name)
		}
		if _, ok := tables[spec.Name]; ok {
			return fmt.Errorf("job %q: table %q declared twice", j.Name, spec.Name)
		}
		tables[spec.Name] = struct{}{}

		uri, err := storage.ParseURI(spec.Source)
		if err != nil {
			return fmt.Errorf("job %q: table %q: %w", j.Name, spec.Name, err)
		}
		if uri.IsRemote() {
			if _, ok := aliases[uri.Alias]; !ok {
				return fmt.Errorf("job %q: table %q reads unregistered storage %q", j.Name, spec.Name, uri.Alias)
			}
		}
	}
	return nil
}
