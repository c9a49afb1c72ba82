package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider collects entries for a single bucket from one source.
type Provider interface {
	Name() string
	Bucket() BucketName
	Collect(ctx context.Context) ([]Entry, error)
}

// CollectAll runs providers and assembles a bucket set. A failing provider
// does not fail the set; its error is returned alongside whatever the other
// providers produced.
func CollectAll(ctx context.Context, providers []Provider) (Set, []error) {
	set := make(Set)
	var errs []error

	for _, provider := range providers {
		if provider == nil {
			continue
		}
		entries, err := provider.Collect(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s provider: %w", provider.Name(), err))
			continue
		}
		if len(entries) == 0 {
			continue
		}
		name := provider.Bucket()
		bucket := set[name]
		bucket.Name = name
		bucket.Entries = append(bucket.Entries, entries...)
		set[name] = bucket
	}

	for name, bucket := range set {
		bucket.Entries = CanonicalizeEntries(bucket.Entries)
		if len(bucket.Entries) == 0 {
			delete(set, name)
			continue
		}
		set[name] = bucket
	}

	return set, errs
}

// WorkspaceProviders builds the standard collection layout for a workspace
// evidence directory: one YAML file per bucket plus one exported JSON
// report per bucket under reports/. Missing files collect as empty.
func WorkspaceProviders(evidenceDir string) []Provider {
	providers := make([]Provider, 0, len(AllBucketNames)*2)
	for _, name := range AllBucketNames {
		providers = append(providers,
			&FileProvider{
				Path:       filepath.Join(evidenceDir, string(name)+".yml"),
				BucketName: name,
			},
			&ReportProvider{
				ReportPath: filepath.Join(evidenceDir, "reports", string(name)+".json"),
				BucketName: name,
			},
		)
	}
	return providers
}

// FileProvider reads entries from a YAML file. The file either wraps entries
// under an `entries:` key or is a top-level list.
type FileProvider struct {
	Path       string
	BucketName BucketName
}

func (p *FileProvider) Name() string       { return "file:" + string(p.BucketName) }
func (p *FileProvider) Bucket() BucketName { return p.BucketName }

type entryFile struct {
	Entries []Entry `yaml:"entries"`
}

func (p *FileProvider) Collect(ctx context.Context) ([]Entry, error) {
	_ = ctx

	data, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read evidence file: %w", err)
	}

	var file entryFile
	if err := yaml.Unmarshal(data, &file); err == nil && file.Entries != nil {
		return p.entriesFrom(file.Entries), nil
	}

	var list []Entry
	if err := yaml.Unmarshal(data, &list); err == nil && list != nil {
		return p.entriesFrom(list), nil
	}

	return nil, fmt.Errorf("evidence file must contain `entries:` list or a top-level list")
}

func (p *FileProvider) entriesFrom(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.Ref == "" {
			continue
		}
		if entry.Source == "" {
			entry.Source = p.Name()
		}
		out = append(out, entry)
	}
	return out
}

// ReportProvider loads entries from a JSON report exported by an external
// analytics system.
type ReportProvider struct {
	ReportPath string
	BucketName BucketName
}

func (p *ReportProvider) Name() string       { return "report:" + string(p.BucketName) }
func (p *ReportProvider) Bucket() BucketName { return p.BucketName }

type entryReport struct {
	Entries []Entry `json:"entries"`
}

func (p *ReportProvider) Collect(ctx context.Context) ([]Entry, error) {
	_ = ctx

	data, err := os.ReadFile(p.ReportPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read evidence report: %w", err)
	}

	var report entryReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parse evidence report: %w", err)
	}

	out := make([]Entry, 0, len(report.Entries))
	for _, entry := range report.Entries {
		if entry.Ref == "" {
			continue
		}
		if entry.Source == "" {
			entry.Source = p.Name()
		}
		out = append(out, entry)
	}
	return out, nil
}

// CommandProvider shells out to an external collector that prints a JSON
// entry list on stdout.
type CommandProvider struct {
	Command    []string
	Dir        string
	BucketName BucketName
}

func (p *CommandProvider) Name() string       { return "command:" + string(p.BucketName) }
func (p *CommandProvider) Bucket() BucketName { return p.BucketName }

func (p *CommandProvider) Collect(ctx context.Context) ([]Entry, error) {
	if len(p.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	cmd.Dir = p.Dir
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("run %s: %s: %w", strings.Join(p.Command, " "), msg, err)
		}
		return nil, fmt.Errorf("run %s: %w", strings.Join(p.Command, " "), err)
	}

	var entries []Entry
	if err := json.Unmarshal(stdout.Bytes(), &entries); err != nil {
		return nil, fmt.Errorf("parse collector output: %w", err)
	}

	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.Ref == "" {
			continue
		}
		if entry.Source == "" {
			entry.Source = p.Name()
		}
		out = append(out, entry)
	}
	return out, nil
}
