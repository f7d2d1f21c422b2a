// Package registry holds the fixed table of clinical features the
// prediction backend understands. It is the single source of truth for
// labels, units and accepted ranges.
package registry

import (
	"math"
	"strings"
)

// FieldSpec describes one clinical feature.
// Label is the key used on the wire; Key is the form-state identifier.
type FieldSpec struct {
	Key   string  `json:"key"`
	Label string  `json:"label"`
	Unit  string  `json:"unit"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Contains reports whether v lies inside the inclusive range
func (f FieldSpec) Contains(v float64) bool {
	return !(v < f.Min || v > f.Max)
}

// Scale maps v onto [0, 1] using the field's range, clipping outliers.
// A degenerate range scales to 0.5.
func (f FieldSpec) Scale(v float64) float64 {
	span := f.Max - f.Min
	if span == 0 {
		return 0.5
	}
	return math.Max(0, math.Min(1, (v-f.Min)/span))
}

// Ranges are the model's training ranges widened by 10% on each side and
// clamped at zero for measurements that cannot be negative.
var fields = []FieldSpec{
	{Key: "glucose", Label: "Glucose", Unit: "mg/dL", Min: 39.09, Max: 231.86},
	{Key: "cholesterol", Label: "Cholesterol", Unit: "mg/dL", Min: 52.73, Max: 344.59},
	{Key: "hemoglobin", Label: "Hemoglobin", Unit: "g/dL", Min: 10.58, Max: 19.45},
	{Key: "platelets", Label: "Platelets", Unit: "cells/μL", Min: 84000, Max: 516000},
	{Key: "whiteBloodCells", Label: "White Blood Cells", Unit: "cells/μL", Min: 2349.94, Max: 12650.81},
	{Key: "redBloodCells", Label: "Red Blood Cells", Unit: "million cells/μL", Min: 3.56, Max: 6.44},
	{Key: "hematocrit", Label: "Hematocrit", Unit: "%", Min: 32.23, Max: 55.57},
	{Key: "meanCorpuscularVolume", Label: "Mean Corpuscular Volume", Unit: "fL", Min: 75.12, Max: 104.49},
	{Key: "meanCorpuscularHemoglobin", Label: "Mean Corpuscular Hemoglobin", Unit: "pg", Min: 25.57, Max: 34.42},
	{Key: "meanCorpuscularHemoglobinConcentration", Label: "Mean Corpuscular Hemoglobin Concentration", Unit: "g/dL", Min: 31.12, Max: 36.88},
	{Key: "insulin", Label: "Insulin", Unit: "μIU/mL", Min: 0, Max: 30.49},
	{Key: "bmi", Label: "BMI", Unit: "kg/m²", Min: 9.4, Max: 46.04},
	{Key: "systolicBloodPressure", Label: "Systolic Blood Pressure", Unit: "mmHg", Min: 69.85, Max: 201.77},
	{Key: "diastolicBloodPressure", Label: "Diastolic Blood Pressure", Unit: "mmHg", Min: 51.09, Max: 109.41},
	{Key: "triglycerides", Label: "Triglycerides", Unit: "mg/dL", Min: 0, Max: 605.71},
	{Key: "hba1c", Label: "HbA1c", Unit: "%", Min: 2.1, Max: 13.79},
	{Key: "ldlCholesterol", Label: "LDL Cholesterol", Unit: "mg/dL", Min: 14.43, Max: 236.67},
	{Key: "hdlCholesterol", Label: "HDL Cholesterol", Unit: "mg/dL", Min: 18.13, Max: 91.16},
	{Key: "alt", Label: "ALT", Unit: "U/L", Min: 0, Max: 68.35},
	{Key: "ast", Label: "AST", Unit: "U/L", Min: 2.73, Max: 47.17},
	{Key: "heartRate", Label: "Heart Rate", Unit: "bpm", Min: 38.12, Max: 111.89},
	{Key: "creatinine", Label: "Creatinine", Unit: "mg/dL", Min: 0.43, Max: 1.47},
	{Key: "troponin", Label: "Troponin", Unit: "ng/mL", Min: 0, Max: 0.049},
	{Key: "cReactiveProtein", Label: "C-reactive Protein", Unit: "mg/L", Min: 0, Max: 12.33},
}

// Column-name variations seen in lab exports, keyed by canonical label
var aliases = map[string][]string{
	"Glucose":                     {"glucose", "glu", "blood glucose", "sugar"},
	"Cholesterol":                 {"cholesterol", "chol", "total cholesterol"},
	"Hemoglobin":                  {"hemoglobin", "hgb", "hb"},
	"Platelets":                   {"platelets", "plt", "platelet count"},
	"White Blood Cells":           {"white blood cells", "wbc", "leukocytes", "white cell count"},
	"Red Blood Cells":             {"red blood cells", "rbc", "erythrocytes", "red cell count"},
	"Hematocrit":                  {"hematocrit", "hct", "pcv", "packed cell volume"},
	"Mean Corpuscular Volume":     {"mean corpuscular volume", "mcv", "mean cell volume"},
	"Mean Corpuscular Hemoglobin": {"mean corpuscular hemoglobin", "mch", "mean cell hemoglobin"},
	"Mean Corpuscular Hemoglobin Concentration": {"mean corpuscular hemoglobin concentration", "mchc", "mean cell hb concentration"},
	"Insulin":                  {"insulin", "ins"},
	"BMI":                      {"bmi", "body mass index"},
	"Systolic Blood Pressure":  {"systolic blood pressure", "systolic", "sbp", "systolic bp"},
	"Diastolic Blood Pressure": {"diastolic blood pressure", "diastolic", "dbp", "diastolic bp"},
	"Triglycerides":            {"triglycerides", "trig", "tg"},
	"HbA1c":                    {"hba1c", "hemoglobin a1c", "glycated hemoglobin"},
	"LDL Cholesterol":          {"ldl cholesterol", "ldl", "low density lipoprotein"},
	"HDL Cholesterol":          {"hdl cholesterol", "hdl", "high density lipoprotein"},
	"ALT":                      {"alt", "alanine aminotransferase", "sgpt"},
	"AST":                      {"ast", "aspartate aminotransferase", "sgot"},
	"Heart Rate":               {"heart rate", "hr", "pulse", "pulse rate"},
	"Creatinine":               {"creatinine", "creat", "cre"},
	"Troponin":                 {"troponin", "trop"},
	"C-reactive Protein":       {"c-reactive protein", "crp", "c reactive protein", "hs-crp"},
}

// Registry provides lookups over a fixed list of FieldSpecs
type Registry struct {
	specs   []FieldSpec
	byKey   map[string]int
	byLabel map[string]int
	byAlias map[string]string
}

var defaultRegistry = New(fields)

// Default returns the registry of the 24 clinical features
func Default() *Registry {
	return defaultRegistry
}

// New builds a registry over specs. The slice order is the registry order.
func New(specs []FieldSpec) *Registry {
	r := &Registry{
		specs:   make([]FieldSpec, len(specs)),
		byKey:   make(map[string]int, len(specs)),
		byLabel: make(map[string]int, len(specs)),
		byAlias: make(map[string]string),
	}
	copy(r.specs, specs)
	for i, s := range r.specs {
		r.byKey[s.Key] = i
		r.byLabel[s.Label] = i
		r.byAlias[normalizeName(s.Label)] = s.Label
		r.byAlias[normalizeName(s.Key)] = s.Label
	}
	for label, names := range aliases {
		if _, ok := r.byLabel[label]; !ok {
			continue
		}
		for _, n := range names {
			if _, taken := r.byAlias[normalizeName(n)]; !taken {
				r.byAlias[normalizeName(n)] = label
			}
		}
	}
	return r
}

// All returns a copy of the specs in registry order
func (r *Registry) All() []FieldSpec {
	out := make([]FieldSpec, len(r.specs))
	copy(out, r.specs)
	return out
}

// Len returns the number of features
func (r *Registry) Len() int {
	return len(r.specs)
}

// Labels returns the wire labels in registry order
func (r *Registry) Labels() []string {
	labels := make([]string, len(r.specs))
	for i, s := range r.specs {
		labels[i] = s.Label
	}
	return labels
}

// ByKey looks a spec up by its form key
func (r *Registry) ByKey(key string) (FieldSpec, bool) {
	i, ok := r.byKey[key]
	if !ok {
		return FieldSpec{}, false
	}
	return r.specs[i], true
}

// ByLabel looks a spec up by its wire label
func (r *Registry) ByLabel(label string) (FieldSpec, bool) {
	i, ok := r.byLabel[label]
	if !ok {
		return FieldSpec{}, false
	}
	return r.specs[i], true
}

// HasLabel reports whether label is a known wire label
func (r *Registry) HasLabel(label string) bool {
	_, ok := r.byLabel[label]
	return ok
}

// ResolveLabel maps a free-form column name (label, key or common
// abbreviation such as "wbc" or "hba1c") to its canonical label.
func (r *Registry) ResolveLabel(name string) (string, bool) {
	label, ok := r.byAlias[normalizeName(name)]
	return label, ok
}

// Resolve looks a spec up by key, label or abbreviation
func (r *Registry) Resolve(name string) (FieldSpec, bool) {
	if spec, ok := r.ByKey(name); ok {
		return spec, true
	}
	label, ok := r.ResolveLabel(name)
	if !ok {
		return FieldSpec{}, false
	}
	return r.ByLabel(label)
}

func normalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer("_", " ", "-", " ").Replace(n)
	return strings.Join(strings.Fields(n), " ")
}
