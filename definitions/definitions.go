// Package definitions decodes workflow definitions and directory seed data
// from YAML documents.
package definitions

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/approval-engine/directory"
	"github.com/songzhibin97/approval-engine/types"
)

var ErrEmptyDocument = errors.New("document is empty")

type definitionsDoc struct {
	Definitions []definitionDoc `yaml:"definitions"`
}

// definitionDoc mirrors types.WorkflowDefinition with YAML defaults:
// definitions are active unless stated otherwise.
type definitionDoc struct {
	ID            uint64    `yaml:"id"`
	CompanyID     uint64    `yaml:"companyId"`
	Name          string    `yaml:"name"`
	Description   string    `yaml:"description"`
	OperationType string    `yaml:"operationType"`
	Active        *bool     `yaml:"active"`
	Nodes         []nodeDoc `yaml:"nodes"`
}

// nodeDoc decodes a node with email notification on by default.
type nodeDoc types.Node

func (n *nodeDoc) UnmarshalYAML(value *yaml.Node) error {
	type plain types.Node
	p := plain{NotifyEmail: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*n = nodeDoc(p)
	return nil
}

// userDoc decodes a user that is active by default.
type userDoc directory.User

func (u *userDoc) UnmarshalYAML(value *yaml.Node) error {
	type plain directory.User
	p := plain{Active: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*u = userDoc(p)
	return nil
}

type directoryDoc struct {
	CompanyID uint64              `yaml:"companyId"`
	Users     []userDoc           `yaml:"users"`
	Profiles  []directory.Profile `yaml:"profiles"`
}

// ParseDefinitions decodes a document holding a top-level definitions list.
// Node sequences default to their position in the list. The result is not
// validated; RegisterDefinition does that.
func ParseDefinitions(r io.Reader) ([]types.WorkflowDefinition, error) {
	var doc definitionsDoc
	if err := decode(r, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode definitions: %w", err)
	}

	defs := make([]types.WorkflowDefinition, 0, len(doc.Definitions))
	for _, d := range doc.Definitions {
		def := types.WorkflowDefinition{
			ID:            d.ID,
			CompanyID:     d.CompanyID,
			Name:          d.Name,
			Description:   d.Description,
			OperationType: d.OperationType,
			Active:        d.Active == nil || *d.Active,
			Nodes:         make([]types.Node, len(d.Nodes)),
		}
		for i, n := range d.Nodes {
			node := types.Node(n)
			if node.Sequence == 0 {
				node.Sequence = i
			}
			def.Nodes[i] = node
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// ParseDirectory decodes users and profiles into a MemoryDirectory. A
// top-level companyId applies to entries that omit their own.
func ParseDirectory(r io.Reader) (*directory.MemoryDirectory, error) {
	var doc directoryDoc
	if err := decode(r, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode directory: %w", err)
	}

	dir := directory.NewMemoryDirectory()
	for _, p := range doc.Profiles {
		if p.ID == 0 {
			return nil, fmt.Errorf("profile %q: id is required", p.Code)
		}
		if p.CompanyID == 0 {
			p.CompanyID = doc.CompanyID
		}
		dir.PutProfile(p)
	}
	for _, u := range doc.Users {
		user := directory.User(u)
		if user.ID == 0 {
			return nil, fmt.Errorf("user %q: id is required", user.Username)
		}
		if user.CompanyID == 0 {
			user.CompanyID = doc.CompanyID
		}
		dir.PutUser(user)
	}
	return dir, nil
}

// LoadDefinitions reads definitions from a YAML file. A path without an
// extension is looked up with ".yaml".
func LoadDefinitions(path string) ([]types.WorkflowDefinition, error) {
	data, err := read(path)
	if err != nil {
		return nil, err
	}
	return ParseDefinitions(bytes.NewReader(data))
}

// LoadDirectory reads directory seed data from a YAML file.
func LoadDirectory(path string) (*directory.MemoryDirectory, error) {
	data, err := read(path)
	if err != nil {
		return nil, err
	}
	return ParseDirectory(bytes.NewReader(data))
}

func decode(r io.Reader, out interface{}) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyDocument
		}
		return err
	}
	return nil
}

func read(path string) ([]byte, error) {
	if filepath.Ext(path) == "" {
		path += ".yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
