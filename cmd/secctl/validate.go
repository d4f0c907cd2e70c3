package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/config"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
)

// runValidate checks a config file and/or a JSONL capture of stream
// frames offline.
func runValidate(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("secctl validate", flag.ContinueOnError)
	configPath := fs.String("config", "", "config YAML to load and validate")
	framesPath := fs.String("frames", "", "JSONL file with one stream frame per line")
	schemaPath := fs.String("schema", "", "optional extra JSON schema applied to every frame")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *configPath == "" && *framesPath == "" {
		fmt.Fprintln(os.Stderr, "one of --config or --frames is required")
		return 2
	}

	if *configPath != "" {
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "validation failed (config): %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "ok: config %s\n", *configPath)
	}

	if *framesPath != "" {
		count, err := validateFrames(*framesPath, *schemaPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "validation failed (frames): %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "ok: %d frames in %s\n", count, *framesPath)
	}
	return 0
}

func validateFrames(path, extraSchema string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open frames: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	count, line := 0, 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := schema.ValidateEnvelope(raw); err != nil {
			return count, fmt.Errorf("line %d: %w", line, err)
		}
		if _, err := schema.DecodeEnvelope(raw); err != nil {
			return count, fmt.Errorf("line %d: %w", line, err)
		}
		if extraSchema != "" {
			var payload any
			if err := json.Unmarshal(raw, &payload); err != nil {
				return count, fmt.Errorf("line %d: %w", line, err)
			}
			if err := schema.ValidateAgainstSchema(extraSchema, payload); err != nil {
				return count, fmt.Errorf("line %d: %w", line, err)
			}
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("read frames: %w", err)
	}
	return count, nil
}
