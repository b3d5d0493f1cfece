package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"gopkg.in/yaml.v3"
)

// LoadEndpoints reads an endpoint definitions file into a domain snapshot.
// The generation is derived from the file content so unchanged files keep
// their generation across reloads.
func LoadEndpoints(path string) (domain.Snapshot, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to read endpoints file %s: %w", path, err)
	}
	return ParseEndpoints(data, filepath.Dir(path))
}

// ParseEndpoints decodes endpoint definitions. Relative module_file and
// source_file references are resolved against baseDir.
func ParseEndpoints(data []byte, baseDir string) (domain.Snapshot, error) {
	var snapshot Snapshot
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: failed to parse endpoints: %v", domain.ErrConfigInvalid, err)
	}

	sum := sha256.Sum256(data)
	out, err := snapshot.ToDomain(baseDir)
	if err != nil {
		return domain.Snapshot{}, err
	}
	out.Generation = hex.EncodeToString(sum[:6])
	out.Timestamp = time.Now()
	return out, nil
}

// ToDomain converts the file snapshot to a domain snapshot.
func (s Snapshot) ToDomain(baseDir string) (domain.Snapshot, error) {
	out := domain.Snapshot{Endpoints: make([]domain.EndpointSpec, 0, len(s.Endpoints))}
	for i, endpoint := range s.Endpoints {
		spec, err := endpoint.ToDomain(baseDir)
		if err != nil {
			name := endpoint.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return domain.Snapshot{}, &domain.ConfigurationError{Endpoint: name, Err: err}
		}
		out.Endpoints = append(out.Endpoints, spec)
	}
	return out, nil
}

// ToDomain converts EndpointSpec to domain.EndpointSpec. Method names are
// upper-cased.
func (e EndpointSpec) ToDomain(baseDir string) (domain.EndpointSpec, error) {
	out := domain.EndpointSpec{
		Name:        e.Name,
		Path:        e.Path,
		Description: e.Description,
		Timeout:     e.Timeout,
		Methods:     make(map[string]domain.StepSpec, len(e.Methods)),
	}
	if e.RateLimit != nil {
		out.RateLimit = &domain.RateLimitSpec{
			RequestsPerSecond: e.RateLimit.RequestsPerSecond,
			Burst:             e.RateLimit.Burst,
		}
	}
	for method, step := range e.Methods {
		upper := strings.ToUpper(strings.TrimSpace(method))
		if _, dup := out.Methods[upper]; dup {
			return domain.EndpointSpec{}, fmt.Errorf("%w: method %s declared twice", domain.ErrConfigInvalid, upper)
		}
		converted, err := step.ToDomain(baseDir)
		if err != nil {
			return domain.EndpointSpec{}, fmt.Errorf("method %s: %w", upper, err)
		}
		out.Methods[upper] = converted
	}
	return out, nil
}

// ToDomain converts StepSpec to domain.StepSpec, reading referenced files.
func (s StepSpec) ToDomain(baseDir string) (domain.StepSpec, error) {
	out := domain.StepSpec{Unit: s.Unit}

	if s.Sequence != nil {
		out.Sequence = make([]domain.StepSpec, 0, len(s.Sequence))
		for i, child := range s.Sequence {
			converted, err := child.ToDomain(baseDir)
			if err != nil {
				return domain.StepSpec{}, fmt.Errorf("sequence[%d]: %w", i, err)
			}
			out.Sequence = append(out.Sequence, converted)
		}
	}

	if s.Parallel != nil {
		members := make([]domain.StepSpec, 0, len(s.Parallel.Members))
		for i, member := range s.Parallel.Members {
			converted, err := member.ToDomain(baseDir)
			if err != nil {
				return domain.StepSpec{}, fmt.Errorf("parallel[%d]: %w", i, err)
			}
			members = append(members, converted)
		}
		out.Parallel = &domain.ParallelSpec{Members: members, PreserveInput: s.Parallel.PreserveInput}
	}

	if s.Branches != nil {
		out.Branches = make(map[any]domain.StepSpec, len(s.Branches))
		for key, child := range s.Branches {
			converted, err := child.ToDomain(baseDir)
			if err != nil {
				return domain.StepSpec{}, fmt.Errorf("branch %v: %w", key, err)
			}
			out.Branches[key] = converted
		}
	}

	if s.Validate != nil {
		out.Validate = &domain.ValidationSpec{Name: s.Validate.Name}
		for _, f := range s.Validate.Fields {
			out.Validate.Fields = append(out.Validate.Fields, domain.FieldSpec{
				Name:      f.Name,
				Type:      f.Type,
				Required:  f.Required,
				Nullable:  f.Nullable,
				Default:   f.Default,
				Source:    f.Source,
				MinLength: f.MinLength,
				MaxLength: f.MaxLength,
				Min:       f.Min,
				Max:       f.Max,
				Choices:   f.Choices,
				Help:      f.Help,
			})
		}
	}

	if s.Rego != nil {
		module, err := inlineOrFile(s.Rego.Module, s.Rego.ModuleFile, baseDir, "module")
		if err != nil {
			return domain.StepSpec{}, fmt.Errorf("rego: %w", err)
		}
		out.Rego = &domain.RegoSpec{Name: s.Rego.Name, Module: module, Query: s.Rego.Query}
	}

	if s.Script != nil {
		source, err := inlineOrFile(s.Script.Source, s.Script.SourceFile, baseDir, "source")
		if err != nil {
			return domain.StepSpec{}, fmt.Errorf("script: %w", err)
		}
		out.Script = &domain.ScriptSpec{
			Name:     s.Script.Name,
			Source:   source,
			Function: s.Script.Function,
			Timeout:  s.Script.Timeout,
		}
	}

	if s.Cache != nil {
		out.Cache = &domain.CacheSpec{TTL: s.Cache.TTL, Capacity: s.Cache.Capacity}
	}

	return out, nil
}

func inlineOrFile(inline, file, baseDir, field string) (string, error) {
	if file == "" {
		return inline, nil
	}
	if inline != "" {
		return "", fmt.Errorf("%w: %s and %s_file are exclusive", domain.ErrConfigInvalid, field, field)
	}
	if !filepath.IsAbs(file) {
		file = filepath.Join(baseDir, file)
	}
	// #nosec G304 -- referenced from the operator's definitions file
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	return string(data), nil
}
