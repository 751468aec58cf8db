// Package trace reads, writes, validates and replays recorded key event
// traces.
//
// A trace is either JSON lines, one event per line:
//
//	{"key":30,"phase":"down","at_ms":12.5}
//
// or a JSON/YAML document {version: 1, events: [...]}. Timestamps are
// milliseconds from an arbitrary epoch and must not decrease.
package trace

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"keyguard/internal/keysource"
	"keyguard/internal/security"
)

// Version is the trace document version.
const Version = 1

// Event phases.
const (
	PhaseDown = "down"
	PhaseUp   = "up"
)

// ErrInvalidTrace wraps every validation failure.
var ErrInvalidTrace = errors.New("invalid trace")

// Event is one recorded key transition.
type Event struct {
	Key    uint32  `json:"key" yaml:"key"`
	Phase  string  `json:"phase" yaml:"phase"`
	AtMs   float64 `json:"at_ms" yaml:"at_ms"`
	Repeat bool    `json:"repeat,omitempty" yaml:"repeat,omitempty"`
}

// Raw converts the event into the form key sources deliver.
func (e Event) Raw() keysource.RawEvent {
	return keysource.RawEvent{
		Code:   e.Key,
		Down:   e.Phase == PhaseDown,
		Repeat: e.Repeat,
		At:     time.Duration(e.AtMs * float64(time.Millisecond)),
	}
}

// Document is the document form of a trace.
type Document struct {
	Version int     `json:"version" yaml:"version"`
	Profile string  `json:"profile,omitempty" yaml:"profile,omitempty"`
	Seed    int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
	Events  []Event `json:"events" yaml:"events"`
}

// Format is a trace encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// DetectFormat picks a format from a file extension. Unknown extensions
// are read as JSON lines.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSONL
	}
}

//go:embed schema.json
var schemaJSON string

// numbers keeps JSON numbers as json.Number so 64-bit seeds survive
// schema validation.
var numbers = sonic.Config{UseNumber: true}.Froze()

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func traceSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		const url = "trace-v1.schema.json"
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(url)
	})
	return compiledSchema, schemaErr
}

// Read decodes and validates a trace.
func Read(r io.Reader, format Format) (*Document, error) {
	instance, err := decodeInstance(r, format)
	if err != nil {
		return nil, err
	}
	if err := validateInstance(instance); err != nil {
		return nil, err
	}

	// The schema-checked instance is re-encoded into the typed document.
	data, err := sonic.Marshal(instance)
	if err != nil {
		return nil, fmt.Errorf("encode trace: %w", err)
	}
	var doc Document
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
	}
	if err := checkOrder(doc.Events); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ReadFile reads a trace, choosing the format by extension.
func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := Read(f, DetectFormat(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Validate checks a trace without keeping it.
func Validate(r io.Reader, format Format) error {
	_, err := Read(r, format)
	return err
}

// decodeInstance produces the JSON data model of a trace: maps, slices,
// strings, bools and json.Number.
func decodeInstance(r io.Reader, format Format) (any, error) {
	switch format {
	case FormatJSONL:
		var events []any
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		line := 0
		for sc.Scan() {
			line++
			text := bytes.TrimSpace(sc.Bytes())
			if len(text) == 0 {
				continue
			}
			var ev any
			if err := numbers.Unmarshal(text, &ev); err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidTrace, line, err)
			}
			events = append(events, ev)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read trace: %w", err)
		}
		if events == nil {
			events = []any{}
		}
		return map[string]any{"version": json.Number("1"), "events": events}, nil

	case FormatJSON:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read trace: %w", err)
		}
		var v any
		if err := numbers.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
		}
		return v, nil

	case FormatYAML:
		var v any
		if err := yaml.NewDecoder(r).Decode(&v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
		}
		// Normalise YAML ints into JSON numbers.
		data, err := sonic.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
		}
		var out any
		if err := numbers.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported trace format %q", format)
	}
}

func validateInstance(instance any) error {
	schema, err := traceSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTrace, err)
	}
	return nil
}

func checkOrder(events []Event) error {
	for i := 1; i < len(events); i++ {
		if events[i].AtMs < events[i-1].AtMs {
			return fmt.Errorf("%w: event %d at %.3f ms precedes event %d at %.3f ms",
				ErrInvalidTrace, i, events[i].AtMs, i-1, events[i-1].AtMs)
		}
	}
	return nil
}

// Write encodes a trace.
func Write(w io.Writer, format Format, doc *Document) error {
	switch format {
	case FormatJSONL:
		bw := bufio.NewWriter(w)
		for _, ev := range doc.Events {
			line, err := sonic.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
			bw.Write(line)
			bw.WriteByte('\n')
		}
		return bw.Flush()

	case FormatJSON:
		data, err := sonic.ConfigStd.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("encode trace: %w", err)
		}
		_, err = w.Write(append(data, '\n'))
		return err

	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode trace: %w", err)
		}
		return enc.Close()

	default:
		return fmt.Errorf("unsupported trace format %q", format)
	}
}

// WriteFile writes a trace, choosing the format by extension.
func WriteFile(path string, doc *Document) error {
	return security.WriteAtomic(path, security.PermPrivateFile, func(w io.Writer) error {
		return Write(w, DetectFormat(path), doc)
	})
}
