// Package operations holds the set of known image operations, their default
// prices and the JSON schema each operation's parameters must satisfy.
package operations

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rossigee/imageflow/pkg/types"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed catalog.json
var catalogJSON []byte

// Operation is one entry of the catalog with its compiled parameter schema
type Operation struct {
	types.OperationInfo
	schema *gojsonschema.Schema
}

// Catalog is an immutable lookup of known operations
type Catalog struct {
	ops map[string]*Operation
}

// Default returns the built-in catalog. It panics if the embedded catalog is malformed.
func Default() *Catalog {
	c, err := Parse(catalogJSON)
	if err != nil {
		panic(fmt.Sprintf("invalid embedded operation catalog: %v", err))
	}
	return c
}

// Parse builds a catalog from a JSON array of operation descriptions
func Parse(data []byte) (*Catalog, error) {
	var infos []types.OperationInfo
	if err := json.Unmarshal(data, &infos); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	c := &Catalog{ops: make(map[string]*Operation, len(infos))}
	for _, info := range infos {
		if info.Name == "" {
			return nil, fmt.Errorf("catalog entry without a name")
		}
		if info.CreditsCost <= 0 {
			return nil, fmt.Errorf("operation %s: credits cost must be positive", info.Name)
		}
		if _, dup := c.ops[info.Name]; dup {
			return nil, fmt.Errorf("operation %s listed twice", info.Name)
		}

		op := &Operation{OperationInfo: info}
		if info.Schema != nil {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(info.Schema))
			if err != nil {
				return nil, fmt.Errorf("operation %s: invalid parameter schema: %w", info.Name, err)
			}
			op.schema = schema
		}
		c.ops[info.Name] = op
	}
	return c, nil
}

// Lookup returns the named operation
func (c *Catalog) Lookup(name string) (*Operation, bool) {
	op, ok := c.ops[name]
	return op, ok
}

// Price returns the catalog price of the named operation
func (c *Catalog) Price(name string) (int64, bool) {
	op, ok := c.ops[name]
	if !ok {
		return 0, false
	}
	return op.CreditsCost, true
}

// Known reports whether name is in the catalog
func (c *Catalog) Known(name string) bool {
	_, ok := c.ops[name]
	return ok
}

// List returns every operation sorted by name
func (c *Catalog) List() []types.OperationInfo {
	infos := make([]types.OperationInfo, 0, len(c.ops))
	for _, op := range c.ops {
		infos = append(infos, op.OperationInfo)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ValidateParameters checks params against the operation's schema. A nil
// parameter set is validated as an empty object.
func (c *Catalog) ValidateParameters(name string, params map[string]interface{}) error {
	op, ok := c.ops[name]
	if !ok {
		return fmt.Errorf("unknown operation %q", name)
	}
	if op.schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := op.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("failed to validate parameters: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Errorf("invalid parameters for %s: %s", name, strings.Join(problems, "; "))
}
