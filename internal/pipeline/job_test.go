package pipeline

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestDefaultJobDescribesYellowCabExport(t *testing.T) {
	job := DefaultJob()
	if err := job.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if job.Storage[0].Alias != "blazingsql-colab" || job.Storage[0].Bucket != "blazingsql-colab" {
		t.Fatalf("Storage = %+v", job.Storage)
	}
	table := job.Tables[0]
	if table.Name != "taxi" || table.Source != "s3://blazingsql-colab/taxi_data/taxi_00.csv" {
		t.Fatalf("Tables[0] = %+v", table)
	}
	want := []string{"key", "fare", "pickup_x", "pickup_y", "dropoff_x", "dropoff_y", "passenger_count"}
	if !reflect.DeepEqual(table.Names, want) {
		t.Fatalf("Names = %v", table.Names)
	}
	if job.Query != "SELECT * FROM taxi" || job.Output.Path != "../../data/yellow_cab" {
		t.Fatalf("job = %+v", job)
	}
}

func TestLoadJobReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	body := `
name: nightly
storage:
  - alias: lake
    bucket: analytics
    endpoint: localhost:9000
    use_ssl: false
    auto_create_bucket: true
tables:
  - name: trips
    source: s3://lake/raw/trips_*.csv
    header: true
    names: [id, fare]
    types: [BIGINT, DOUBLE]
query: SELECT id, fare FROM trips WHERE fare > 0
output:
  path: s3://lake/curated/trips
  rows_per_file: 500000
  compression: zstd
  overwrite: false
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	job, err := LoadJob(path)
	if err != nil {
		t.Fatalf("LoadJob() error = %v", err)
	}
	if job.Name != "nightly" || len(job.Storage) != 1 || len(job.Tables) != 1 {
		t.Fatalf("job = %+v", job)
	}
	if job.Storage[0].UseSSL == nil || *job.Storage[0].UseSSL {
		t.Fatalf("UseSSL = %v", job.Storage[0].UseSSL)
	}
	if job.Storage[0].AutoCreateBucket == nil || !*job.Storage[0].AutoCreateBucket {
		t.Fatalf("AutoCreateBucket = %v", job.Storage[0].AutoCreateBucket)
	}
	if !job.Tables[0].Header || !reflect.DeepEqual(job.Tables[0].Types, []string{"BIGINT", "DOUBLE"}) {
		t.Fatalf("Tables[0] = %+v", job.Tables[0])
	}
	if job.Output.RowsPerFile == nil || *job.Output.RowsPerFile != 500000 {
		t.Fatalf("RowsPerFile = %v", job.Output.RowsPerFile)
	}
	if job.Output.Overwrite == nil || *job.Output.Overwrite {
		t.Fatalf("Overwrite = %v", job.Output.Overwrite)
	}
}

func TestParseJobRejectsUnknownFields(t *testing.T) {
	_, err := ParseJob([]byte("name: x\nqueryy: SELECT 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidateRejectsInvalidJobs(t *testing.T) {
	negative := -1
	cases := map[string]func(*Job){
		"missing name":        func(j *Job) { j.Name = "" },
		"no tables":           func(j *Job) { j.Tables = nil },
		"no query":            func(j *Job) { j.Query = " " },
		"no output":           func(j *Job) { j.Output.Path = "" },
		"negative rows":       func(j *Job) { j.Output.RowsPerFile = &negative },
		"bad alias":           func(j *Job) { j.Storage[0].Alias = "bad alias" },
		"missing bucket":      func(j *Job) { j.Storage[0].Bucket = "" },
		"duplicate alias":     func(j *Job) { j.Storage = append(j.Storage, j.Storage[0]) },
		"duplicate table":     func(j *Job) { j.Tables = append(j.Tables, j.Tables[0]) },
		"table without src":   func(j *Job) { j.Tables[0].Source = "" },
		"unregistered source": func(j *Job) { j.Tables[0].Source = "s3://elsewhere/x.csv" },
		"bad scheme":          func(j *Job) { j.Tables[0].Source = "gs://bucket/x.csv" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			job := DefaultJob()
			mutate(&job)
			if err := job.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateAllowsLocalSources(t *testing.T) {
	job := DefaultJob()
	job.Storage = nil
	job.Tables[0].Source = "data/taxi_*.csv"
	if err := job.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !strings.HasPrefix(job.Tables[0].Source, "data/") {
		t.Fatalf("Source = %q", job.Tables[0].Source)
	}
}
