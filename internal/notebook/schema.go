package notebook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const notebookSchemaURL = "nbformat.v4.schema.json"

// nbformat v4 の構造のうち、変換に必要な部分だけを検証するスキーマです。
const notebookSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["metadata", "nbformat", "nbformat_minor", "cells"],
  "properties": {
    "metadata": {"type": "object"},
    "nbformat": {"type": "integer", "minimum": 4, "maximum": 4},
    "nbformat_minor": {"type": "integer", "minimum": 0},
    "cells": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["cell_type", "source"],
        "properties": {
          "cell_type": {"enum": ["code", "markdown", "raw"]},
          "metadata": {"type": "object"},
          "source": {
            "oneOf": [
              {"type": "string"},
              {"type": "array", "items": {"type": "string"}}
            ]
          },
          "outputs": {"type": "array"}
        }
      }
    }
  }
}`

func compileNotebookSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(notebookSchemaURL, strings.NewReader(notebookSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add notebook schema: %w", err)
	}
	schema, err := compiler.Compile(notebookSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile notebook schema: %w", err)
	}
	return schema, nil
}

// validateNotebook は data が nbformat v4 のノートブックとして読めるかを検証します。
func (s *Service) validateNotebook(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return newError(CodeInvalidNotebook, "The uploaded file is not valid JSON.", err)
	}
	if err := s.schema.Validate(v); err != nil {
		return newError(CodeInvalidNotebook, "The uploaded file is not a valid Jupyter Notebook (nbformat 4).", err)
	}
	return nil
}
