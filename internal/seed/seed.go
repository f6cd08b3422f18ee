// Package seed imports adapters, servers and targets from a YAML manifest.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/policy"
	"github.com/CrashVibe/FGateNexus/internal/storage/postgres"
)

// Manifest is the root document of a seed file.
type Manifest struct {
	Adapters []AdapterSpec `yaml:"adapters"`
	Servers  []ServerSpec  `yaml:"servers"`
}

// AdapterSpec describes one chat adapter.
type AdapterSpec struct {
	Name    string            `yaml:"name"`
	Type    model.AdapterType `yaml:"type"`
	Enabled *bool             `yaml:"enabled"`
	Config  map[string]any    `yaml:"config"`
}

// ServerSpec describes one game server. Policy sections are overlaid on
// the defaults; omitted sections keep them.
type ServerSpec struct {
	Name     string       `yaml:"name"`
	Token    string       `yaml:"token"`
	Adapter  string       `yaml:"adapter"`
	Binding  *yaml.Node   `yaml:"binding"`
	ChatSync *yaml.Node   `yaml:"chatSync"`
	Notify   *yaml.Node   `yaml:"notify"`
	Targets  []TargetSpec `yaml:"targets"`
}

// TargetSpec describes one chat destination.
type TargetSpec struct {
	TargetID string           `yaml:"targetId"`
	Type     model.TargetType `yaml:"type"`
	Enabled  *bool            `yaml:"enabled"`
	Config   *yaml.Node       `yaml:"config"`
}

// Load reads and parses the manifest at path.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes a manifest, rejecting unknown keys, and validates it.
func Parse(r io.Reader) (Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks references and required fields, reporting every violation.
func (m Manifest) Validate() error {
	var errs []string
	adapters := make(map[string]bool, len(m.Adapters))
	for i, a := range m.Adapters {
		if a.Name == "" {
			errs = append(errs, fmt.Sprintf("adapters[%d]: name must not be empty", i))
		} else if adapters[a.Name] {
			errs = append(errs, fmt.Sprintf("adapters[%d]: duplicate name %q", i, a.Name))
		}
		adapters[a.Name] = true
		if !a.Type.Supported() {
			errs = append(errs, fmt.Sprintf("adapters[%d]: unsupported type %q", i, a.Type))
		}
	}

	servers := make(map[string]bool, len(m.Servers))
	for i, s := range m.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: name must not be empty", i))
		} else if servers[s.Name] {
			errs = append(errs, fmt.Sprintf("servers[%d]: duplicate name %q", i, s.Name))
		}
		servers[s.Name] = true
		if s.Token == "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: token must not be empty", i))
		}
		if s.Adapter != "" && !adapters[s.Adapter] {
			errs = append(errs, fmt.Sprintf("servers[%d]: unknown adapter %q", i, s.Adapter))
		}
		if _, err := s.binding(); err != nil {
			errs = append(errs, fmt.Sprintf("servers[%d]: %v", i, err))
		}
		if _, err := s.chatSync(); err != nil {
			errs = append(errs, fmt.Sprintf("servers[%d]: %v", i, err))
		}
		if _, err := s.notify(); err != nil {
			errs = append(errs, fmt.Sprintf("servers[%d]: %v", i, err))
		}
		for j, t := range s.Targets {
			if t.TargetID == "" {
				errs = append(errs, fmt.Sprintf("servers[%d].targets[%d]: targetId must not be empty", i, j))
			}
			if !t.Type.Valid() {
				errs = append(errs, fmt.Sprintf("servers[%d].targets[%d]: invalid type %q", i, j, t.Type))
			}
			if _, err := t.input(); err != nil {
				errs = append(errs, fmt.Sprintf("servers[%d].targets[%d]: %v", i, j, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("manifest validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func overlay[T any](node *yaml.Node, base T) (T, error) {
	if node == nil {
		return base, nil
	}
	if err := node.Decode(&base); err != nil {
		return base, err
	}
	return base, nil
}

func (s ServerSpec) binding() (policy.BindingConfig, error) {
	cfg, err := overlay(s.Binding, policy.DefaultBindingConfig())
	if err != nil {
		return cfg, fmt.Errorf("binding: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("binding: %w", err)
	}
	return cfg, nil
}

func (s ServerSpec) chatSync() (policy.ChatSyncConfig, error) {
	cfg, err := overlay(s.ChatSync, policy.DefaultChatSyncConfig())
	if err != nil {
		return cfg, fmt.Errorf("chatSync: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("chatSync: %w", err)
	}
	return cfg, nil
}

func (s ServerSpec) notify() (policy.NotifyConfig, error) {
	cfg, err := overlay(s.Notify, policy.DefaultNotifyConfig())
	if err != nil {
		return cfg, fmt.Errorf("notify: %w", err)
	}
	return cfg, nil
}

func (t TargetSpec) input() (postgres.TargetInput, error) {
	cfg, err := overlay(t.Config, policy.DefaultTargetConfig())
	if err != nil {
		return postgres.TargetInput{}, fmt.Errorf("config: %w", err)
	}
	return postgres.TargetInput{
		TargetID: t.TargetID,
		Type:     t.Type,
		Enabled:  t.Enabled == nil || *t.Enabled,
		Config:   cfg,
	}, nil
}

// AdapterStore persists adapters.
type AdapterStore interface {
	List(ctx context.Context) ([]model.Adapter, error)
	Create(ctx context.Context, name string, kind model.AdapterType, enabled bool, cfg json.RawMessage) (model.Adapter, error)
}

// ServerStore persists servers and their policies.
type ServerStore interface {
	List(ctx context.Context) ([]model.Server, error)
	Create(ctx context.Context, name, token string) (model.Server, error)
	SetAdapter(ctx context.Context, id int64, adapterID *int64) error
	UpdateBinding(ctx context.Context, id int64, cfg policy.BindingConfig) error
	UpdateChatSync(ctx context.Context, id int64, cfg policy.ChatSyncConfig) error
	UpdateNotify(ctx context.Context, id int64, cfg policy.NotifyConfig) error
}

// TargetStore persists chat destinations.
type TargetStore interface {
	Create(ctx context.Context, serverID int64, inputs []postgres.TargetInput) ([]model.Target, error)
}

// Result counts what an import created and skipped.
type Result struct {
	AdaptersCreated int
	AdaptersSkipped int
	ServersCreated  int
	ServersSkipped  int
	TargetsCreated  int
}

// Importer writes manifests into the data store.
type Importer struct {
	adapters AdapterStore
	servers  ServerStore
	targets  TargetStore
}

// NewImporter creates an Importer.
//
// Precondition: all stores must be non-nil.
func NewImporter(adapters AdapterStore, servers ServerStore, targets TargetStore) *Importer {
	return &Importer{adapters: adapters, servers: servers, targets: targets}
}

// Import creates every adapter and server of m that does not exist yet,
// matching by name. Existing entries are left untouched, so a manifest can
// be applied repeatedly.
//
// Precondition: m must have passed Validate.
func (imp *Importer) Import(ctx context.Context, m Manifest) (Result, error) {
	var res Result

	existingAdapters, err := imp.adapters.List(ctx)
	if err != nil {
		return res, fmt.Errorf("listing adapters: %w", err)
	}
	adapterIDs := make(map[string]int64, len(existingAdapters))
	for _, a := range existingAdapters {
		adapterIDs[a.Name] = a.ID
	}

	for _, spec := range m.Adapters {
		if _, ok := adapterIDs[spec.Name]; ok {
			res.AdaptersSkipped++
			continue
		}
		cfg := spec.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		raw, err := json.Marshal(cfg)
		if err != nil {
			return res, fmt.Errorf("adapter %q: encoding config: %w", spec.Name, err)
		}
		a, err := imp.adapters.Create(ctx, spec.Name, spec.Type, spec.Enabled == nil || *spec.Enabled, raw)
		if err != nil {
			return res, fmt.Errorf("adapter %q: %w", spec.Name, err)
		}
		adapterIDs[a.Name] = a.ID
		res.AdaptersCreated++
	}

	existingServers, err := imp.servers.List(ctx)
	if err != nil {
		return res, fmt.Errorf("listing servers: %w", err)
	}
	serverNames := make(map[string]bool, len(existingServers))
	for _, s := range existingServers {
		serverNames[s.Name] = true
	}

	for _, spec := range m.Servers {
		if serverNames[spec.Name] {
			res.ServersSkipped++
			continue
		}
		n, err := imp.importServer(ctx, spec, adapterIDs)
		if err != nil {
			return res, fmt.Errorf("server %q: %w", spec.Name, err)
		}
		res.ServersCreated++
		res.TargetsCreated += n
	}
	return res, nil
}

func (imp *Importer) importServer(ctx context.Context, spec ServerSpec, adapterIDs map[string]int64) (int, error) {
	binding, err := spec.binding()
	if err != nil {
		return 0, err
	}
	chatSync, err := spec.chatSync()
	if err != nil {
		return 0, err
	}
	notify, err := spec.notify()
	if err != nil {
		return 0, err
	}

	srv, err := imp.servers.Create(ctx, spec.Name, spec.Token)
	if err != nil {
		return 0, err
	}
	if spec.Adapter != "" {
		id := adapterIDs[spec.Adapter]
		if err := imp.servers.SetAdapter(ctx, srv.ID, &id); err != nil {
			return 0, err
		}
	}
	if err := imp.servers.UpdateBinding(ctx, srv.ID, binding); err != nil {
		return 0, err
	}
	if err := imp.servers.UpdateChatSync(ctx, srv.ID, chatSync); err != nil {
		return 0, err
	}
	if err := imp.servers.UpdateNotify(ctx, srv.ID, notify); err != nil {
		return 0, err
	}

	if len(spec.Targets) == 0 {
		return 0, nil
	}
	inputs := make([]postgres.TargetInput, 0, len(spec.Targets))
	for _, t := range spec.Targets {
		in, err := t.input()
		if err != nil {
			return 0, err
		}
		inputs = append(inputs, in)
	}
	created, err := imp.targets.Create(ctx, srv.ID, inputs)
	if err != nil {
		return 0, err
	}
	return len(created), nil
}
