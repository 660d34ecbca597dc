package deployments

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/yaml.v2"
)

type ruleFile struct {
	Groups []struct {
		Name  string `yaml:"name"`
		Rules []struct {
			Alert       string            `yaml:"alert"`
			Expr        string            `yaml:"expr"`
			For         string            `yaml:"for"`
			Labels      map[string]string `yaml:"labels"`
			Annotations map[string]string `yaml:"annotations"`
		} `yaml:"rules"`
	} `yaml:"groups"`
}

var metricNamePattern = regexp.MustCompile(`duckpipe_[a-z_]+`)

func TestPrometheusRulesContainExpectedAlerts(t *testing.T) {
	rules := readRules(t)

	alerts := map[string]string{}
	for _, group := range rules.Groups {
		for _, rule := range group.Rules {
			alerts[rule.Alert] = rule.Expr
			severity := rule.Labels["severity"]
			if severity != "critical" && severity != "warning" {
				t.Fatalf("alert %q has severity %q", rule.Alert, severity)
			}
		}
	}
	for _, name := range []string{"DuckPipeRunFailed", "DuckPipeNoSuccessfulRun", "DuckPipeExportSlow", "DuckPipeEmptyExport"} {
		if _, ok := alerts[name]; !ok {
			t.Fatalf("rules missing alert %q", name)
		}
	}
}

func TestPrometheusRulesReferenceExportedMetrics(t *testing.T) {
	rules := readRules(t)
	source, err := os.ReadFile(filepath.Join(repoRoot(t), "internal", "observability", "domain_metrics.go"))
	if err != nil {
		t.Fatalf("read metrics source: %v", err)
	}

	for _, group := range rules.Groups {
		for _, rule := range group.Rules {
			for _, name := range metricNamePattern.FindAllString(rule.Expr, -1) {
				name = strings.TrimSuffix(name, "_bucket")
				if !strings.Contains(string(source), `"`+name+`"`) {
					t.Fatalf("alert %q references unknown metric %q", rule.Alert, name)
				}
			}
		}
	}
}

func TestPrometheusScrapeExampleContainsMetricsPathAndRules(t *testing.T) {
	path := filepath.Join(repoRoot(t), "deployments", "observability", "prometheus", "prometheus-scrape.example.yaml")
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read scrape example: %v", err)
	}

	var decoded struct {
		RuleFiles     []string `yaml:"rule_files"`
		ScrapeConfigs []struct {
			JobName     string `yaml:"job_name"`
			MetricsPath string `yaml:"metrics_path"`
		} `yaml:"scrape_configs"`
	}
	if err := yaml.Unmarshal(content, &decoded); err != nil {
		t.Fatalf("scrape example YAML parse error: %v", err)
	}
	if len(decoded.RuleFiles) != 1 || decoded.RuleFiles[0] != "duckpipe_rules.yaml" {
		t.Fatalf("rule_files = %v", decoded.RuleFiles)
	}
	if len(decoded.ScrapeConfigs) != 1 || decoded.ScrapeConfigs[0].JobName != "duckpipe" {
		t.Fatalf("scrape_configs = %+v", decoded.ScrapeConfigs)
	}
	if decoded.ScrapeConfigs[0].MetricsPath != "/v1/metrics" {
		t.Fatalf("metrics_path = %q", decoded.ScrapeConfigs[0].MetricsPath)
	}
}

func readRules(t *testing.T) ruleFile {
	t.Helper()
	path := filepath.Join(repoRoot(t), "deployments", "observability", "prometheus", "duckpipe_rules.yaml")
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rules file: %v", err)
	}
	var rules ruleFile
	if err := yaml.UnmarshalStrict(content, &rules); err != nil {
		t.Fatalf("rules YAML parse error: %v", err)
	}
	return rules
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), ".."))
}
