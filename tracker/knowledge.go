package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ticketpilot/ticketpilot/workflow"
)

// RepoEntry is one repository in the knowledge registry.
type RepoEntry struct {
	URL           string   `yaml:"url"`
	ProjectKey    string   `yaml:"project_key"`
	Slug          string   `yaml:"slug"`
	DefaultBranch string   `yaml:"default_branch"`
	Description   string   `yaml:"description"`
	Components    []string `yaml:"components"`
	Labels        []string `yaml:"labels"`
	IssuePrefixes []string `yaml:"issue_prefixes"`
}

// Registry maps tracker issues to repositories from a YAML file
// maintained by operators. Matching is deterministic: components first,
// then labels, then issue key prefixes.
type Registry struct {
	repos []RepoEntry
}

// LoadRegistry reads the registry YAML. Format:
//
//	repos:
//	  - url: ssh://git@bitbucket.example.com/pay/billing.git
//	    project_key: PAY
//	    slug: billing
//	    default_branch: main
//	    components: [billing, invoicing]
//	    issue_prefixes: [PAY]
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge registry: %w", err)
	}
	var doc struct {
		Repos []RepoEntry `yaml:"repos"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge registry: %w", err)
	}
	for i, r := range doc.Repos {
		if r.URL == "" {
			return nil, fmt.Errorf("knowledge registry entry %d has no url", i)
		}
	}
	return &Registry{repos: doc.Repos}, nil
}

// NewRegistry builds a registry from entries directly (tests, embedded
// config).
func NewRegistry(repos []RepoEntry) *Registry {
	return &Registry{repos: repos}
}

// ResolveRepo implements workflow.KnowledgeResolver.
func (r *Registry) ResolveRepo(issue workflow.Issue) (workflow.RepoMatch, bool) {
	if entry, ok := r.matchBy(issue.Components, func(e RepoEntry) []string { return e.Components }); ok {
		return entry.match(), true
	}
	if entry, ok := r.matchBy(issue.Labels, func(e RepoEntry) []string { return e.Labels }); ok {
		return entry.match(), true
	}
	prefix, _, found := strings.Cut(issue.Key, "-")
	if found {
		for _, e := range r.repos {
			for _, p := range e.IssuePrefixes {
				if strings.EqualFold(p, prefix) {
					return e.match(), true
				}
			}
		}
	}
	return workflow.RepoMatch{}, false
}

func (r *Registry) matchBy(values []string, keys func(RepoEntry) []string) (RepoEntry, bool) {
	for _, e := range r.repos {
		for _, key := range keys(e) {
			for _, v := range values {
				if strings.EqualFold(key, v) {
					return e, true
				}
			}
		}
	}
	return RepoEntry{}, false
}

func (e RepoEntry) match() workflow.RepoMatch {
	branch := e.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	return workflow.RepoMatch{
		RepoURL:         e.URL,
		TargetBranch:    branch,
		ProjectKey:      e.ProjectKey,
		RepoSlug:        e.Slug,
		RepoDescription: e.Description,
	}
}

// RepoConfigFile is the per-repository pipeline configuration, read
// from .ticketpilot.yaml at the working copy root.
const RepoConfigFile = ".ticketpilot.yaml"

// RepoConfig implements workflow.KnowledgeResolver. A missing or
// malformed file yields the zero config; validation is then skipped for
// that run.
func (r *Registry) RepoConfig(worktreePath string) workflow.RepoConfig {
	data, err := os.ReadFile(filepath.Join(worktreePath, RepoConfigFile))
	if err != nil {
		return workflow.RepoConfig{}
	}
	var doc struct {
		ValidationCommands []string `yaml:"validation_commands"`
		Conventions        string   `yaml:"conventions"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return workflow.RepoConfig{}
	}
	return workflow.RepoConfig{
		ValidationCommands: doc.ValidationCommands,
		Conventions:        doc.Conventions,
	}
}
