package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mediguard-intake/internal/registry"
	"github.com/mediguard-intake/internal/validation"
)

// parseValues reads a values file into raw strings keyed by field key.
// JSON files hold one object; CSV files hold either a header row and one
// data row or one name,value pair per line. Names may be keys, labels or
// abbreviations.
func parseValues(filename string, r io.Reader, reg *registry.Registry) (map[string]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read values: %w", err)
	}

	var named map[string]string
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		named, err = parseJSONValues(data)
	case ".csv":
		named, err = parseCSVValues(data)
	default:
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			named, err = parseJSONValues(data)
		} else {
			named, err = parseCSVValues(data)
		}
	}
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(named))
	var unknown []string
	for name, raw := range named {
		spec, ok := reg.Resolve(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		values[spec.Key] = raw
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown fields: %s", strings.Join(unknown, ", "))
	}
	return values, nil
}

func parseJSONValues(data []byte) (map[string]string, error) {
	var doc map[string]interface{}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON values: %w", err)
	}

	out := make(map[string]string, len(doc))
	for name, v := range doc {
		switch val := v.(type) {
		case json.Number:
			out[name] = val.String()
		case string:
			out[name] = val
		case nil:
			out[name] = ""
		default:
			return nil, fmt.Errorf("field %q: expected a number or string", name)
		}
	}
	return out, nil
}

func parseCSVValues(data []byte) (map[string]string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV values: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("values file is empty")
	}

	out := make(map[string]string)
	if len(rows) == 2 && len(rows[0]) > 2 {
		if len(rows[1]) != len(rows[0]) {
			return nil, fmt.Errorf("header has %d columns but data row has %d", len(rows[0]), len(rows[1]))
		}
		for i, name := range rows[0] {
			out[name] = rows[1][i]
		}
		return out, nil
	}

	for i, row := range rows {
		if len(row) != 2 {
			return nil, fmt.Errorf("line %d: expected name,value", i+1)
		}
		if i == 0 && strings.EqualFold(row[0], "name") && strings.EqualFold(row[1], "value") {
			continue
		}
		out[row[0]] = row[1]
	}
	return out, nil
}

// describeErrors renders a validation error set in registry order
func describeErrors(errs validation.ErrorSet, reg *registry.Registry) string {
	var b strings.Builder
	for _, spec := range reg.All() {
		if msg, ok := errs[spec.Key]; ok {
			fmt.Fprintf(&b, "  %s: %s\n", spec.Label, msg)
		}
	}
	return b.String()
}
