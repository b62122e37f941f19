// Package demo backs the customer directory with JSON fixture files, one
// file per customer, for local development and demos. The production
// deployment replaces it with a client for the CRM service.
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kastrel/kastrel-dashboard/internal/relay"
	"github.com/rs/zerolog/log"
)

// Directory reads customer fixtures from <root>/<customer_id>.json. Each
// file holds the customer profile plus its attached documents and
// message history.
type Directory struct {
	root string
}

func NewDirectory(root string) *Directory {
	return &Directory{root: root}
}

type customerFile struct {
	Customer  json.RawMessage   `json:"customer"`
	Documents []json.RawMessage `json:"documents"`
	Messages  []json.RawMessage `json:"messages"`
}

func (d *Directory) load(id string) (*customerFile, error) {
	if strings.ContainsAny(id, `/\`) || id == "" {
		return nil, fmt.Errorf("%w: %q", relay.ErrNotFound, id)
	}
	raw, err := os.ReadFile(filepath.Join(d.root, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", relay.ErrNotFound, id)
		}
		return nil, fmt.Errorf("read customer fixture: %w", err)
	}
	var cf customerFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("decode customer fixture %q: %w", id, err)
	}
	return &cf, nil
}

func (d *Directory) Customer(_ context.Context, id string) (json.RawMessage, error) {
	cf, err := d.load(id)
	if err != nil {
		return nil, err
	}
	if cf.Customer == nil {
		return nil, fmt.Errorf("%w: fixture %q has no customer record", relay.ErrNotFound, id)
	}
	return cf.Customer, nil
}

func (d *Directory) Documents(_ context.Context, id string) ([]json.RawMessage, error) {
	cf, err := d.load(id)
	if err != nil {
		return nil, err
	}
	return cf.Documents, nil
}

func (d *Directory) Messages(_ context.Context, id string) ([]json.RawMessage, error) {
	cf, err := d.load(id)
	if err != nil {
		return nil, err
	}
	return cf.Messages, nil
}

// List returns every customer id with a fixture file, sorted.
func (d *Directory) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("dir", d.root).Msg("demo data directory does not exist")
			return nil, nil
		}
		return nil, fmt.Errorf("list customer fixtures: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
