package models

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

// ErrInvalidMessage is returned for payloads that do not match their schema.
var ErrInvalidMessage = errors.New("invalid message")

// Message is the dispatch notice published to the durable queue.
type Message struct {
	ID   string `json:"ID,omitempty"`
	Path string `json:"Path"`
}

// NewMessage builds a message for path with a fresh correlation id.
func NewMessage(path string) Message {
	return Message{ID: uuid.NewString(), Path: path}
}

// Encode serializes the message.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage validates raw against the message schema and decodes it.
func DecodeMessage(raw []byte) (Message, error) {
	if err := validate("message.schema.json", raw); err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, nil
}

// PairDescriptor records the staged paths of a pair, primary first.
type PairDescriptor struct {
	Files []string `json:"Files"`
}

// DecodeDescriptor validates and decodes a pair descriptor.
func DecodeDescriptor(raw []byte) (PairDescriptor, error) {
	if err := validate("descriptor.schema.json", raw); err != nil {
		return PairDescriptor{}, err
	}
	var d PairDescriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return PairDescriptor{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return d, nil
}

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

func compileSchemas() {
	schemas = make(map[string]*jsonschema.Schema)
	compiler := jsonschema.NewCompiler()
	entries, err := schemaFiles.ReadDir("schemas")
	if err != nil {
		schemaErr = fmt.Errorf("read schemas: %w", err)
		return
	}
	for _, e := range entries {
		b, err := schemaFiles.ReadFile("schemas/" + e.Name())
		if err != nil {
			schemaErr = fmt.Errorf("read schema %s: %w", e.Name(), err)
			return
		}
		if err := compiler.AddResource(e.Name(), bytes.NewReader(b)); err != nil {
			schemaErr = fmt.Errorf("add schema %s: %w", e.Name(), err)
			return
		}
	}
	for _, e := range entries {
		s, err := compiler.Compile(e.Name())
		if err != nil {
			schemaErr = fmt.Errorf("compile schema %s: %w", e.Name(), err)
			return
		}
		schemas[e.Name()] = s
	}
}

func validate(name string, raw []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := schemas[name].Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}
