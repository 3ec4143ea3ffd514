package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"dairyline/internal/domain"
)

// Config models dairyline.yml.
type Config struct {
	Plant struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Timezone string `yaml:"timezone"`
	} `yaml:"plant"`
	Forms struct {
		Catalog map[string]FormTypeConfig `yaml:"catalog"`
	} `yaml:"forms"`
	Pipeline struct {
		Steps []domain.ProcessStep `yaml:"steps"`
	} `yaml:"pipeline"`
	Access struct {
		DefaultGrants []GrantConfig `yaml:"default_grants"`
	} `yaml:"access"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type FormTypeConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type GrantConfig struct {
	UserID      string                  `yaml:"user_id,omitempty"`
	Role        string                  `yaml:"role,omitempty"`
	Department  string                  `yaml:"department,omitempty"`
	FormID      string                  `yaml:"form_id,omitempty"`
	FormType    string                  `yaml:"form_type,omitempty"`
	Permissions domain.Capabilities     `yaml:"permissions"`
	Conditions  *domain.GrantConditions `yaml:"conditions,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with dl plant config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Plant.ID == "" {
		return fmt.Errorf("config.plant.id is required")
	}
	if c.Plant.Timezone != "" {
		if _, err := time.LoadLocation(c.Plant.Timezone); err != nil {
			return fmt.Errorf("config.plant.timezone invalid: %w", err)
		}
	}
	for id := range c.Forms.Catalog {
		if id == "" {
			return fmt.Errorf("config.forms.catalog contains empty form type")
		}
	}
	if len(c.Pipeline.Steps) == 0 {
		return fmt.Errorf("config.pipeline.steps is required")
	}
	seen := map[string]bool{}
	for i, step := range c.Pipeline.Steps {
		if step.ID == "" {
			return fmt.Errorf("pipeline step %d has empty id", i)
		}
		if seen[step.ID] {
			return fmt.Errorf("pipeline step %s is duplicated", step.ID)
		}
		seen[step.ID] = true
		if step.FormType == "" {
			return fmt.Errorf("pipeline step %s has empty form_type", step.ID)
		}
		if !c.KnownFormType(step.FormType) {
			return fmt.Errorf("pipeline step %s references unknown form type %s", step.ID, step.FormType)
		}
	}
	for i, g := range c.Access.DefaultGrants {
		scopes := 0
		for _, v := range []string{g.UserID, g.Role, g.Department} {
			if v != "" {
				scopes++
			}
		}
		if scopes != 1 {
			return fmt.Errorf("default grant %d must set exactly one of user_id, role, department", i)
		}
		if g.FormID == "" && g.FormType == "" {
			return fmt.Errorf("default grant %d must set form_id or form_type", i)
		}
		if g.FormType != "" && !c.KnownFormType(g.FormType) {
			return fmt.Errorf("default grant %d references unknown form type %s", i, g.FormType)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// KnownFormType reports whether formType is in the catalog. An empty catalog accepts any type.
func (c *Config) KnownFormType(formType string) bool {
	if len(c.Forms.Catalog) == 0 {
		return true
	}
	_, ok := c.Forms.Catalog[formType]
	return ok
}

// Step returns the configured pipeline step with the given id.
func (c *Config) Step(id string) (domain.ProcessStep, bool) {
	for _, s := range c.Pipeline.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return domain.ProcessStep{}, false
}

// Steps returns a copy of the configured pipeline steps.
func (c *Config) Steps() []domain.ProcessStep {
	out := make([]domain.ProcessStep, len(c.Pipeline.Steps))
	copy(out, c.Pipeline.Steps)
	return out
}

// Location returns the plant calendar, UTC when unset.
func (c *Config) Location() *time.Location {
	if c.Plant.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Plant.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FormTypes returns the catalog sorted by id.
func (c *Config) FormTypes() []domain.FormType {
	res := make([]domain.FormType, 0, len(c.Forms.Catalog))
	for id, ft := range c.Forms.Catalog {
		res = append(res, domain.FormType{ID: id, Name: ft.Name, Description: ft.Description})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dairyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(plantID string) string {
	return fmt.Sprintf(defaultTemplate, plantID, plantID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a plant.
func Default(plantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(plantID))).Decode(&cfg)
	cfg.Plant.ID = plantID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML encodes the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `plant:
  id: %s
  name: %s
  timezone: UTC

forms:
  catalog:
    driver-form:
      name: "Tanker driver intake"
      description: "Raw milk reception, tanker and seal checks"
    lab-forms:
      name: "Lab test report"
      description: "Raw and finished product lab analysis"
    pasteurizer-form:
      name: "Pasteurizer log"
      description: "HTST pasteurization temperatures and hold times"
    sterilizer-form:
      name: "Sterilizer log"
      description: "UHT sterilization process record"
    filler-form:
      name: "Filler log"
      description: "Filling machine run sheet"
    palletizer-form:
      name: "Palletizer log"
      description: "Pallet build and dispatch record"

pipeline:
  steps:
    - id: intake
      name: "Milk Intake"
      description: "Raw milk received and checked"
      icon: truck
      form_type: driver-form
      color: blue
      bg_color: blue-50
    - id: lab-testing
      name: "Lab Testing"
      description: "Raw milk analysis"
      icon: flask
      form_type: lab-forms
      color: purple
      bg_color: purple-50
    - id: pasteurization
      name: "Pasteurization"
      description: "Heat treatment"
      icon: thermometer
      form_type: pasteurizer-form
      color: orange
      bg_color: orange-50
    - id: sterilization
      name: "Sterilization"
      description: "UHT processing"
      icon: flame
      form_type: sterilizer-form
      color: red
      bg_color: red-50
    - id: filling
      name: "Filling"
      description: "Packaging into cartons"
      icon: package
      form_type: filler-form
      color: green
      bg_color: green-50
    - id: palletizing
      name: "Palletizing"
      description: "Pallet build and dispatch"
      icon: boxes
      form_type: palletizer-form
      color: gray
      bg_color: gray-50

access:
  default_grants:
    - role: admin
      form_type: driver-form
      permissions: {view: true, edit: true, delete: true, approve: true, create: true}
    - role: admin
      form_type: lab-forms
      permissions: {view: true, edit: true, delete: true, approve: true, create: true}
    - role: admin
      form_type: pasteurizer-form
      permissions: {view: true, edit: true, delete: true, approve: true, create: true}
    - role: admin
      form_type: sterilizer-form
      permissions: {view: true, edit: true, delete: true, approve: true, create: true}
    - role: admin
      form_type: filler-form
      permissions: {view: true, edit: true, delete: true, approve: true, create: true}
    - role: admin
      form_type: palletizer-form
      permissions: {view: true, edit: true, delete: true, approve: true, create: true}
    - department: Lab
      form_type: lab-forms
      permissions: {view: true, edit: true, create: true}
    - department: Production
      form_type: pasteurizer-form
      permissions: {view: true, edit: true, create: true}
    - department: Production
      form_type: sterilizer-form
      permissions: {view: true, edit: true, create: true}
    - department: Production
      form_type: filler-form
      permissions: {view: true, edit: true, create: true}
    - department: Warehouse
      form_type: palletizer-form
      permissions: {view: true, edit: true, create: true}
    - department: Reception
      form_type: driver-form
      permissions: {view: true, edit: true, create: true}
    - role: qa-manager
      form_type: lab-forms
      permissions: {view: true, approve: true}
`
