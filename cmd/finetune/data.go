// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/pipeline"
	"github.com/techthiyanes/finetune/pkg/targets"
	"gopkg.in/yaml.v3"
)

// dataFile is the YAML layout of the training data:
//
//	examples:
//	  - fields: ["the movie was great"]
//	    label: positive
//	  - fields: ["Alice lives in Paris"]
//	    annotations: [{start: 15, end: 20, label: city}]
type dataFile struct {
	Examples []dataExample `yaml:"examples"`
}

type dataExample struct {
	Fields  []string               `yaml:"fields"`
	Context []pipeline.ContextSpan `yaml:"context,omitempty"`

	// Label of the example level heads: a class, a list of classes, a number or a list of
	// numbers.
	Label any `yaml:"label,omitempty"`

	// Annotations and Relations are the labels of the token level heads.
	Annotations []pipeline.Annotation `yaml:"annotations,omitempty"`
	Relations   []pipeline.Relation   `yaml:"relations,omitempty"`
}

// tokenLevel heads are labeled with annotations: the sequence labelers and the relation decoders,
// which follow SequenceLabeler in the kind order.
func tokenLevel(kind targets.Kind) bool { return kind >= targets.SequenceLabeler }

// loadData reads path and returns the inputs, the labels and the auxiliary contexts, nil if no
// example has one. Language models take no labels. Files ending in .csv are read with loadCSV.
func loadData(path string, kind targets.Kind) (X [][]string, Y []any, aux [][]pipeline.ContextSpan, err error) {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		X, Y, err = loadCSV(path, kind)
		return X, Y, nil, err
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "reading data %q", path)
	}
	var data dataFile
	if err = yaml.Unmarshal(blob, &data); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "parsing data %q", path)
	}
	if len(data.Examples) == 0 {
		return nil, nil, nil, errors.Errorf("no examples in %q", path)
	}

	hasContext := false
	for _, ex := range data.Examples {
		hasContext = hasContext || len(ex.Context) > 0
	}
	X = make([][]string, len(data.Examples))
	if kind != targets.LanguageModel {
		Y = make([]any, len(data.Examples))
	}
	if hasContext {
		aux = make([][]pipeline.ContextSpan, len(data.Examples))
	}
	for i, ex := range data.Examples {
		if len(ex.Fields) == 0 {
			return nil, nil, nil, errors.Errorf("example %d of %q has no fields", i, path)
		}
		X[i] = ex.Fields
		if hasContext {
			aux[i] = ex.Context
		}
		switch {
		case Y == nil:
		case tokenLevel(kind):
			Y[i] = pipeline.Document{Annotations: ex.Annotations, Relations: ex.Relations}
		default:
			if ex.Label == nil {
				return nil, nil, nil, errors.Errorf("example %d of %q has no label", i, path)
			}
			Y[i] = ex.Label
		}
	}
	return X, Y, aux, nil
}

// LabelColumn of the CSV data files.
const LabelColumn = "label"

// multiLabelSeparator splits the CSV labels of multi_classifier examples.
const multiLabelSeparator = "|"

// loadCSV reads a CSV file with a header row. The LabelColumn holds the labels and every other
// column is a text field, in column order. Token level heads need annotations and can't be
// loaded from CSV.
func loadCSV(path string, kind targets.Kind) (X [][]string, Y []any, err error) {
	if tokenLevel(kind) {
		return nil, nil, errors.Errorf("%s examples need annotations: use a YAML data file instead of %q", kind, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading data %q", path)
	}
	defer func() { _ = f.Close() }()

	labelType := series.String
	if kind == targets.Regressor {
		labelType = series.Float
	}
	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
		dataframe.WithTypes(map[string]series.Type{LabelColumn: labelType}))
	if df.Err != nil {
		return nil, nil, errors.Wrapf(df.Err, "parsing data %q", path)
	}
	names := df.Names()
	hasLabel := slices.Contains(names, LabelColumn)
	fields := slices.DeleteFunc(slices.Clone(names), func(name string) bool { return name == LabelColumn })
	switch {
	case df.Nrow() == 0:
		return nil, nil, errors.Errorf("no examples in %q", path)
	case len(fields) == 0:
		return nil, nil, errors.Errorf("no text columns in %q", path)
	case !hasLabel && kind != targets.LanguageModel:
		return nil, nil, errors.Errorf("%q has no %q column", path, LabelColumn)
	}

	columns := make([][]string, len(fields))
	for j, name := range fields {
		columns[j] = df.Col(name).Records()
	}
	X = make([][]string, df.Nrow())
	for i := range X {
		X[i] = make([]string, len(fields))
		for j := range fields {
			X[i][j] = columns[j][i]
		}
	}
	if kind == targets.LanguageModel {
		return X, nil, nil
	}

	labels := df.Col(LabelColumn)
	Y = make([]any, df.Nrow())
	if kind == targets.Regressor {
		for i, v := range labels.Float() {
			if math.IsNaN(v) {
				return nil, nil, errors.Errorf("example %d of %q has no numeric label", i, path)
			}
			Y[i] = v
		}
		return X, Y, nil
	}
	for i, label := range labels.Records() {
		if label == "" || labels.Elem(i).IsNA() {
			return nil, nil, errors.Errorf("example %d of %q has no label", i, path)
		}
		if kind == targets.MultiClassifier {
			Y[i] = strings.Split(label, multiLabelSeparator)
		} else {
			Y[i] = label
		}
	}
	return X, Y, nil
}
