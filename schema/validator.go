// Package payloadschema validates structured documents against embedded JSON schemas.
package payloadschema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	TopicsSchema    = "topics.schema.json"
	RelevanceSchema = "relevance.schema.json"
	RulesSchema     = "rules.schema.json"
)

//go:embed *.schema.json
var schemaFiles embed.FS

var (
	compileMu sync.Mutex
	compiled  = map[string]*jsonschema.Schema{}
)

// TopicsOutput is the topic classification answer.
type TopicsOutput struct {
	Topics []string `json:"topics"`
}

// RelevanceOutput is the relevance scoring answer.
type RelevanceOutput struct {
	Score  float64 `json:"score"`
	Label  string  `json:"label"`
	Reason string  `json:"reason,omitempty"`
}

// DecodeTopics extracts and validates a topics object from model output.
func DecodeTopics(text string) (TopicsOutput, error) {
	var out TopicsOutput
	if err := decodeModelJSON(TopicsSchema, text, &out); err != nil {
		return TopicsOutput{}, err
	}
	cleaned := out.Topics[:0]
	for _, topic := range out.Topics {
		if t := strings.ToLower(strings.TrimSpace(topic)); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	out.Topics = cleaned
	return out, nil
}

// DecodeRelevance extracts and validates a relevance object from model output.
func DecodeRelevance(text string) (RelevanceOutput, error) {
	var out RelevanceOutput
	if err := decodeModelJSON(RelevanceSchema, text, &out); err != nil {
		return RelevanceOutput{}, err
	}
	return out, nil
}

// Validate checks a JSON document against the named schema and returns the
// decoded value.
func Validate(name string, raw []byte) (any, error) {
	value, err := decodeStrictJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}
	schema, err := load(name)
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", name, err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	return value, nil
}

func decodeModelJSON(name, text string, dest any) error {
	raw := ExtractJSONObject(text)
	if raw == "" {
		return fmt.Errorf("no JSON object in model output")
	}
	value, err := Validate(name, []byte(raw))
	if err != nil {
		return err
	}
	normalized, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("normalize JSON: %w", err)
	}
	if err := json.Unmarshal(normalized, dest); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}

// ExtractJSONObject returns the outermost {...} span of text, which strips
// markdown fences and prose models tend to wrap around JSON.
func ExtractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func load(name string) (*jsonschema.Schema, error) {
	compileMu.Lock()
	defer compileMu.Unlock()

	if schema, ok := compiled[name]; ok {
		return schema, nil
	}

	source, err := schemaFiles.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(name, bytes.NewReader(source)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	compiled[name] = schema
	return schema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("document is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("document contains trailing content")
	}
	return value, nil
}
