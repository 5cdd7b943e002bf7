package protocol

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const downstreamSchemaURL = "https://voicebridge.local/schema/downstream.json"

//go:embed schema/downstream.json
var downstreamSchemaJSON string

var (
	schemaOnce       sync.Once
	downstreamSchema *jsonschema.Schema
	schemaErr        error
)

// compileSchema 编译入站消息 schema，进程内只编译一次
func compileSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(downstreamSchemaURL, strings.NewReader(downstreamSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		downstreamSchema, schemaErr = compiler.Compile(downstreamSchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return downstreamSchema, schemaErr
}

// validateDocument 用 schema 校验已解码的 JSON 文档
func validateDocument(doc any) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}
